// Package reference reads local-office contact points from the trainee
// reference service. Lookups are cached in-process and guarded by a circuit
// breaker; when a contact cannot be resolved the caller receives a safe
// fallback instead of an error, since notifications must still render.
package reference

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Local-office contact types.
const (
	TypeTssSupport        = "TSS support"
	TypeOnboardingSupport = "Onboarding support"
	TypeLtft              = "Less Than Full Time"
	TypeGmcUpdate         = "GMC update"
	TypeDeferral          = "Deferral"
)

// Contact href classifications used by templates to decide how a contact
// value is linked.
const (
	HrefTypeEmail   = "email"
	HrefTypeURL     = "url"
	HrefTypeNonHref = "non_href"
)

// FallbackContact is rendered when no contact can be resolved for a local
// office.
const FallbackContact = "your local office"

const (
	cacheTTL     = time.Hour
	cacheSweep   = 10 * time.Minute
	httpTimeout  = 5 * time.Second
	contactsPath = "/api/local-office-contact-by-lo-name/"
)

// Contact is a single contact point of a local office.
type Contact struct {
	Type  string `json:"contactTypeName"`
	Value string `json:"contact"`
}

// ContactSource resolves the contact point trainees should be directed to.
type ContactSource interface {
	// Contact returns the contact value for the given local office and
	// contact type, and its href classification. It never fails: unknown
	// offices, missing types and transport errors all degrade to the
	// office's TSS support contact and finally to FallbackContact.
	Contact(ctx context.Context, localOffice, contactType string) (value, hrefType string)
}

// Client is an HTTP ContactSource backed by the reference service.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	cache   *gocache.Cache
	log     zerolog.Logger
}

// NewClient creates a reference-service client rooted at baseURL.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: httpTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "reference-service"}),
		cache:   gocache.New(cacheTTL, cacheSweep),
		log:     log,
	}
}

// Contact implements ContactSource.
func (c *Client) Contact(ctx context.Context, localOffice, contactType string) (string, string) {
	if localOffice == "" {
		return FallbackContact, HrefTypeNonHref
	}

	contacts, err := c.ContactsByLocalOffice(ctx, localOffice)
	if err != nil {
		c.log.Warn().Err(err).
			Str("local_office", localOffice).
			Msg("local office contact lookup failed, using fallback")
		return FallbackContact, HrefTypeNonHref
	}

	for _, want := range []string{contactType, TypeTssSupport} {
		for _, ct := range contacts {
			if ct.Type == want && ct.Value != "" {
				return ct.Value, HrefTypeOf(ct.Value)
			}
		}
	}
	return FallbackContact, HrefTypeNonHref
}

// ContactsByLocalOffice returns every contact point of the named local
// office, served from the cache when fresh.
func (c *Client) ContactsByLocalOffice(ctx context.Context, localOffice string) ([]Contact, error) {
	if hit, ok := c.cache.Get(localOffice); ok {
		return hit.([]Contact), nil
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, localOffice)
	})
	if err != nil {
		return nil, err
	}

	contacts := out.([]Contact)
	c.cache.Set(localOffice, contacts, gocache.DefaultExpiration)
	return contacts, nil
}

func (c *Client) fetch(ctx context.Context, localOffice string) ([]Contact, error) {
	u := c.baseURL + contactsPath + url.PathEscape(localOffice)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("reference: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reference: get contacts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reference: get contacts: unexpected status %d", resp.StatusCode)
	}

	var contacts []Contact
	if err := json.NewDecoder(resp.Body).Decode(&contacts); err != nil {
		return nil, fmt.Errorf("reference: decode contacts: %w", err)
	}
	return contacts, nil
}

// HrefTypeOf classifies a raw contact value as a mailto target, an absolute
// URL, or plain text.
func HrefTypeOf(contact string) string {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return HrefTypeNonHref
	}
	if isSingleEmail(contact) {
		return HrefTypeEmail
	}
	if u, err := url.Parse(contact); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return HrefTypeURL
	}
	return HrefTypeNonHref
}

func isSingleEmail(s string) bool {
	if strings.ContainsAny(s, " ,;") {
		return false
	}
	if strings.Count(s, "@") != 1 {
		return false
	}
	local, domain, _ := strings.Cut(s, "@")
	return local != "" && strings.Contains(domain, ".")
}
