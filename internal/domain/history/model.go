// Package history owns the durable record of every notification the
// pipeline has scheduled, sent, failed or surfaced in-app. It is the source
// of truth for delivery state: all mutations go through the service here,
// and every mutation is broadcast as a lifecycle event.
package history

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tis/notifications/internal/domain/tis"
)

// Statuses a history record moves through.
const (
	StatusScheduled = "SCHEDULED"
	StatusSent      = "SENT"
	StatusFailed    = "FAILED"
	StatusUnread    = "UNREAD"
	StatusRead      = "READ"
	StatusArchived  = "ARCHIVED"
	StatusDeleted   = "DELETED"
)

// Delivery channels.
const (
	ChannelEmail = "EMAIL"
	ChannelInApp = "IN_APP"
)

// Well-known status details.
const (
	DetailSuppressed     = "suppressed"
	DetailMissedSchedule = "Missed Schedule"
)

// Recipient identifies who a notification was addressed to and how. The
// stored field name for the channel is "type" for compatibility with
// existing consumers of the collection and the broadcast stream.
type Recipient struct {
	ID      string `bson:"id" json:"id"`
	Channel string `bson:"type" json:"type"`
	Contact string `bson:"contact,omitempty" json:"contact,omitempty"`
}

// Template records which template a notification renders with, pinned to
// the version and variables captured at planning time.
type Template struct {
	Name      string         `bson:"name" json:"name"`
	Version   string         `bson:"version" json:"version"`
	Variables map[string]any `bson:"variables,omitempty" json:"variables,omitempty"`
}

// Record is one notification's durable history entry. For SCHEDULED records
// SentAt holds the intended fire time; from SENT onwards it holds the actual
// send time.
type Record struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Type         string             `bson:"type" json:"type"`
	TisReference tis.Reference      `bson:"tisReference" json:"tisReference"`
	Recipient    Recipient          `bson:"recipient" json:"recipient"`
	Template     Template           `bson:"template" json:"template"`
	Status       string             `bson:"status" json:"status"`
	StatusDetail string             `bson:"statusDetail,omitempty" json:"statusDetail,omitempty"`
	SentAt       time.Time          `bson:"sentAt" json:"sentAt"`
	ReadAt       *time.Time         `bson:"readAt,omitempty" json:"readAt,omitempty"`
	LastRetry    *time.Time         `bson:"lastRetry,omitempty" json:"lastRetry,omitempty"`
}

// validTransitions lists the permitted status moves. A repeated status is
// always a permitted no-op and is handled before this table is consulted.
var validTransitions = map[string]map[string]bool{
	StatusScheduled: {
		StatusSent:    true,
		StatusUnread:  true, // an in-app "send" surfaces the record as unread
		StatusFailed:  true,
		StatusDeleted: true,
	},
	StatusSent: {
		StatusFailed:   true, // provider bounce or complaint
		StatusRead:     true,
		StatusUnread:   true,
		StatusArchived: true,
		StatusDeleted:  true,
	},
	StatusUnread: {
		StatusRead:     true,
		StatusArchived: true,
		StatusDeleted:  true,
	},
	StatusRead: {
		StatusUnread:   true,
		StatusArchived: true,
		StatusDeleted:  true,
	},
	StatusArchived: {StatusDeleted: true},
	StatusFailed:   {StatusDeleted: true},
	StatusDeleted:  {},
}

// CanTransition reports whether a record may move from one status to
// another. Transitioning to the current status is permitted and treated as
// a no-op by callers.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	return validTransitions[from][to]
}
