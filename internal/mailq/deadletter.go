package mailq

import "time"

const DLQType = "email.dlq"

type DeadLetter struct {
	Type      string   `json:"type"`    // "email.dlq"
	Version   string   `json:"version"` // schema version
	At        string   `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason    string   `json:"reason"`  // human/debug text
	Attempt   int      `json:"attempt"` // attempt count when DLQ'd
	LastError string   `json:"last_error,omitempty"`
	RawBody   string   `json:"raw_body,omitempty"` // original payload when it could not be parsed
	Item      WorkItem `json:"item"`               // full work item snapshot
}

func NewDeadLetter(item WorkItem, attempt int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempt:   attempt,
		LastError: lastErr,
		Item:      item,
	}
}
