// Package broadcast publishes notification lifecycle events to an SNS FIFO
// topic. Events for the same history record share a message group so that
// consumers observe status transitions in order.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

const (
	groupPrefix = "notifications_event_"
	attrName    = "event_type"
)

// Publisher emits the full serialized record for every lifecycle transition.
type Publisher interface {
	Publish(ctx context.Context, recordID, status string, payload any) error
}

// snsClient is the subset of the SNS API used by the publisher.
type snsClient interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS publishes lifecycle events to an SNS topic. With an empty topic ARN
// every publish is a no-op, which keeps local environments broker-free.
type SNS struct {
	client    snsClient
	topicARN  string
	attrValue string
	fifo      bool
}

// NewSNS creates a publisher for the given topic. Topics named *.fifo get a
// per-record message group so transitions stay ordered. attrValue, when
// non-empty, is attached to every message under the "event_type" attribute
// for subscriber filtering.
func NewSNS(client snsClient, topicARN, attrValue string) *SNS {
	return &SNS{
		client:    client,
		topicARN:  topicARN,
		attrValue: attrValue,
		fifo:      strings.HasSuffix(topicARN, ".fifo"),
	}
}

// Publish serializes the payload and publishes it, grouped by
// "notifications_event_<recordID>" on FIFO topics. The record id and status
// together deduplicate the message, so re-publishing the same transition
// within the FIFO dedup window collapses to one delivery.
func (s *SNS) Publish(ctx context.Context, recordID, status string, payload any) error {
	if s.topicARN == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broadcast: marshal payload: %w", err)
	}

	in := &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(body)),
	}
	if s.fifo {
		in.MessageGroupId = aws.String(groupPrefix + recordID)
		in.MessageDeduplicationId = aws.String(recordID + status)
	}
	if s.attrValue != "" {
		in.MessageAttributes = map[string]snstypes.MessageAttributeValue{
			attrName: {
				DataType:    aws.String("String"),
				StringValue: aws.String(s.attrValue),
			},
		}
	}

	if _, err := s.client.Publish(ctx, in); err != nil {
		return fmt.Errorf("broadcast: publish event for %s: %w", recordID, err)
	}
	return nil
}
