package notify

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure so callers can pick the right
// propagation policy: redeliver, record and ack, dead-letter, or crash.
type Kind int

const (
	// KindOK means nothing went wrong.
	KindOK Kind = iota
	// KindTransient covers network, timeout and retryable datastore
	// failures; the message should be redelivered.
	KindTransient
	// KindSuppressed means the messaging gate denied delivery; a FAILED
	// audit record exists and the message is done.
	KindSuppressed
	// KindValidation covers unparseable or incomplete messages; they go to
	// the dead letter queue and leave no history.
	KindValidation
	// KindProvider covers bounce and complaint feedback; terminal.
	KindProvider
	// KindFatal covers conditions the worker must not paper over, such as
	// a missing template for a required type.
	KindFatal
)

// String returns the kind's log and metric label.
func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTransient:
		return "transient"
	case KindSuppressed:
		return "suppressed"
	case KindValidation:
		return "validation"
	case KindProvider:
		return "provider"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Outcome wraps an error with its failure kind.
type Outcome struct {
	Kind Kind
	Err  error
}

func (o *Outcome) Error() string {
	return o.Err.Error()
}

func (o *Outcome) Unwrap() error {
	return o.Err
}

// Transient tags an error for redelivery. A nil error stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Outcome{Kind: KindTransient, Err: err}
}

// Validationf builds a dead-letter error.
func Validationf(format string, args ...any) error {
	return &Outcome{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// Fatal tags an error the worker must not survive.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Outcome{Kind: KindFatal, Err: err}
}

// KindOf extracts the failure kind from an error chain. Untagged errors
// count as transient so unknown failures get redelivered rather than lost.
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	var o *Outcome
	if errors.As(err, &o) {
		return o.Kind
	}
	return KindTransient
}
