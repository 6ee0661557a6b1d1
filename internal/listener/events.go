package listener

import (
	"encoding/json"

	"github.com/tis/notifications/internal/domain/notify"
)

// envelope is the common shape of TIS change events: a trainee identifier
// plus the entity snapshot under record.data. Unknown fields are ignored.
type envelope[T any] struct {
	TraineeTisID string `json:"traineeTisId"`
	TisID        string `json:"tisId"`
	Record       struct {
		Data T `json:"data"`
	} `json:"record"`
}

// decode unmarshals an envelope, tagging parse failures for dead-lettering.
func decode[T any](body []byte) (envelope[T], error) {
	var env envelope[T]
	if err := json.Unmarshal(body, &env); err != nil {
		return env, notify.Validationf("listener: malformed event: %v", err)
	}
	return env, nil
}

// personID picks the trainee identifier, preferring the envelope over the
// entity snapshot.
func (e envelope[T]) personID(fromData string) string {
	if e.TraineeTisID != "" {
		return e.TraineeTisID
	}
	if e.TisID != "" {
		return e.TisID
	}
	return fromData
}
