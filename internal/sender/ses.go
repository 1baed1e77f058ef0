package sender

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESSender delivers through AWS SES v2 as raw MIME, so the rendered message
// is byte-identical to what the SMTP path produces.
type SESSender struct {
	client *sesv2.Client
	source string
}

// NewSESSender builds a sender on an already-resolved AWS config. When source
// is empty the envelope's From address is used.
func NewSESSender(cfg aws.Config, source string) *SESSender {
	return &SESSender{
		client: sesv2.NewFromConfig(cfg),
		source: source,
	}
}

func (s *SESSender) Name() string { return "ses" }

func (s *SESSender) Send(ctx context.Context, env Envelope) error {
	if env.To == "" {
		return fmt.Errorf("recipient is required")
	}

	from := s.source
	if from == "" {
		from = env.From
	}

	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{env.To},
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: BuildMIME(env)},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send raw email: %w", err)
	}

	return nil
}
