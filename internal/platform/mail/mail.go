// Package mail submits rendered notification emails to Amazon SES as raw
// RFC-5322 messages. Every message carries a NotificationId header so that
// asynchronous bounce and complaint feedback can be correlated back to the
// originating history record.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// HeaderNotificationID is the custom header used to correlate provider
// feedback events with history records.
const HeaderNotificationID = "NotificationId"

const submitTimeout = 10 * time.Second

// Message is a fully rendered email ready for submission.
type Message struct {
	To             string
	Subject        string
	HTML           string
	NotificationID string
}

// Gateway submits email messages to the provider.
type Gateway interface {
	Send(ctx context.Context, msg Message) error
}

// sesClient is the subset of the SES v2 API used by the gateway.
type sesClient interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES sends messages through Amazon SES v2 using raw MIME content.
type SES struct {
	client sesClient
	sender string
}

// NewSES creates an SES-backed gateway. The sender is used as the From
// address on every message.
func NewSES(client sesClient, sender string) *SES {
	return &SES{client: client, sender: sender}
}

// Send builds a raw MIME message and submits it to SES.
func (s *SES) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("mail: message has no recipient")
	}

	raw, err := buildRaw(s.sender, msg)
	if err != nil {
		return fmt.Errorf("mail: build message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	_, err = s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		Content: &sestypes.EmailContent{
			Raw: &sestypes.RawMessage{Data: raw},
		},
	})
	if err != nil {
		return fmt.Errorf("mail: send to %s: %w", msg.To, err)
	}
	return nil
}

// buildRaw assembles an RFC-5322 message with a quoted-printable HTML body.
func buildRaw(sender string, msg Message) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader := func(name, value string) {
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	}

	writeHeader("From", sender)
	writeHeader("To", msg.To)
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	if msg.NotificationID != "" {
		writeHeader(HeaderNotificationID, msg.NotificationID)
	}
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", `text/html; charset="UTF-8"`)
	writeHeader("Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(msg.HTML)); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
