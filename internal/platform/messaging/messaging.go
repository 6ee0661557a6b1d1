// Package messaging decides whether a notification may be delivered to a
// person over a given channel. Global channel flags can be bypassed per
// person through a whitelist, and pilot membership checks are delegated to
// the trainee details service, which stays authoritative; a failed or null
// answer always suppresses.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const httpTimeout = 5 * time.Second

// Gate answers delivery eligibility questions.
type Gate interface {
	IsValidRecipient(personID, channel string) bool
	IsPlacementInPilot2024(ctx context.Context, personID, placementID string) bool
	IsProgrammeMembershipInPilot2024(ctx context.Context, personID, pmID string) bool
	IsProgrammeMembershipNewStarter(ctx context.Context, personID, pmID string) bool
}

// Controller implements Gate against static channel flags and the trainee
// details service.
type Controller struct {
	whitelist    map[string]struct{}
	emailEnabled bool
	inAppEnabled bool
	baseURL      string
	http         *http.Client
	breaker      *gobreaker.CircuitBreaker
	log          zerolog.Logger
}

// NewController creates a Controller. baseURL points at the trainee details
// service; whitelist persons bypass the channel flags.
func NewController(baseURL string, whitelist []string, emailEnabled, inAppEnabled bool, log zerolog.Logger) *Controller {
	wl := make(map[string]struct{}, len(whitelist))
	for _, p := range whitelist {
		wl[p] = struct{}{}
	}
	return &Controller{
		whitelist:    wl,
		emailEnabled: emailEnabled,
		inAppEnabled: inAppEnabled,
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: httpTimeout},
		breaker:      gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "trainee-service"}),
		log:          log,
	}
}

// IsValidRecipient reports whether the person may receive notifications on
// the channel. Whitelisted persons always may; everyone else follows the
// channel's enable flag.
func (c *Controller) IsValidRecipient(personID, channel string) bool {
	if _, ok := c.whitelist[personID]; ok {
		return true
	}
	switch channel {
	case "EMAIL":
		return c.emailEnabled
	case "IN_APP":
		return c.inAppEnabled
	default:
		return false
	}
}

// IsPlacementInPilot2024 reports whether the placement is in the 2024
// notifications pilot.
func (c *Controller) IsPlacementInPilot2024(ctx context.Context, personID, placementID string) bool {
	return c.checkRemote(ctx, fmt.Sprintf("/api/placement/ispilot2024/%s/%s", personID, placementID))
}

// IsProgrammeMembershipInPilot2024 reports whether the programme membership
// is in the 2024 notifications pilot.
func (c *Controller) IsProgrammeMembershipInPilot2024(ctx context.Context, personID, pmID string) bool {
	return c.checkRemote(ctx, fmt.Sprintf("/api/programme-membership/ispilot2024/%s/%s", personID, pmID))
}

// IsProgrammeMembershipNewStarter reports whether the programme membership
// belongs to a new starter.
func (c *Controller) IsProgrammeMembershipNewStarter(ctx context.Context, personID, pmID string) bool {
	return c.checkRemote(ctx, fmt.Sprintf("/api/programme-membership/isnewstarter/%s/%s", personID, pmID))
}

// checkRemote asks the trainee service a yes/no question. Transport errors,
// non-200 answers and null bodies all count as no.
func (c *Controller) checkRemote(ctx context.Context, path string) bool {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}

		var answer *bool
		if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
			return nil, err
		}
		return answer, nil
	})
	if err != nil {
		c.log.Warn().Err(err).Str("path", path).Msg("trainee service check failed, suppressing")
		return false
	}

	answer := out.(*bool)
	return answer != nil && *answer
}
