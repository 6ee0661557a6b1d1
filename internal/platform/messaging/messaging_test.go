package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestIsValidRecipient(t *testing.T) {
	c := NewController("", []string{"p-42"}, false, true, zerolog.Nop())

	cases := []struct {
		personID string
		channel  string
		want     bool
	}{
		{"p-42", "EMAIL", true},  // whitelisted bypasses disabled email
		{"p-42", "IN_APP", true},
		{"p-43", "EMAIL", false}, // email globally disabled
		{"p-43", "IN_APP", true}, // in-app globally enabled
		{"p-43", "PIGEON", false},
	}
	for _, tc := range cases {
		if got := c.IsValidRecipient(tc.personID, tc.channel); got != tc.want {
			t.Errorf("IsValidRecipient(%q, %q) = %v, want %v", tc.personID, tc.channel, got, tc.want)
		}
	}
}

func TestCheckRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/placement/ispilot2024/p-9/pl-1":
			w.Write([]byte("true"))
		case "/api/placement/ispilot2024/p-9/pl-2":
			w.Write([]byte("false"))
		case "/api/programme-membership/ispilot2024/p-9/pm-1":
			w.Write([]byte("null"))
		case "/api/programme-membership/isnewstarter/p-9/pm-1":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewController(srv.URL, nil, true, true, zerolog.Nop())
	ctx := context.Background()

	if !c.IsPlacementInPilot2024(ctx, "p-9", "pl-1") {
		t.Error("expected pilot placement to be true")
	}
	if c.IsPlacementInPilot2024(ctx, "p-9", "pl-2") {
		t.Error("expected non-pilot placement to be false")
	}
	if c.IsProgrammeMembershipInPilot2024(ctx, "p-9", "pm-1") {
		t.Error("expected null answer to suppress")
	}
	if c.IsProgrammeMembershipNewStarter(ctx, "p-9", "pm-1") {
		t.Error("expected server error to suppress")
	}
}
