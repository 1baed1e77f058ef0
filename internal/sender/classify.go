package sender

import (
	"errors"
	"net/textproto"
	"strings"
)

// ClassifyFailure buckets a send error into a low-cardinality reason label
// for metrics and DLQ records.
func ClassifyFailure(err error) string {
	if err == nil {
		return ""
	}

	var proto *textproto.Error
	if errors.As(err, &proto) {
		if proto.Code >= 500 {
			return "smtp_5xx"
		}
		if proto.Code >= 400 {
			return "smtp_4xx"
		}
	}

	errLower := strings.ToLower(err.Error())
	if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
		return "timeout"
	}
	if strings.Contains(errLower, "connection refused") {
		return "connection_refused"
	}
	if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
		return "dns_error"
	}
	return "network"
}
