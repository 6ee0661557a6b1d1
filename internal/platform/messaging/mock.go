package messaging

import "context"

// MockGate is a configurable test double for Gate.
type MockGate struct {
	ValidRecipients map[string]bool // keyed by "<personID>/<channel>"
	PilotPlacements map[string]bool // keyed by "<personID>/<placementID>"
	PilotPMs        map[string]bool // keyed by "<personID>/<pmID>"
	NewStarters     map[string]bool // keyed by "<personID>/<pmID>"
}

// IsValidRecipient returns the configured answer, defaulting to false.
func (m *MockGate) IsValidRecipient(personID, channel string) bool {
	return m.ValidRecipients[personID+"/"+channel]
}

// IsPlacementInPilot2024 returns the configured answer, defaulting to false.
func (m *MockGate) IsPlacementInPilot2024(_ context.Context, personID, placementID string) bool {
	return m.PilotPlacements[personID+"/"+placementID]
}

// IsProgrammeMembershipInPilot2024 returns the configured answer, defaulting
// to false.
func (m *MockGate) IsProgrammeMembershipInPilot2024(_ context.Context, personID, pmID string) bool {
	return m.PilotPMs[personID+"/"+pmID]
}

// IsProgrammeMembershipNewStarter returns the configured answer, defaulting
// to false.
func (m *MockGate) IsProgrammeMembershipNewStarter(_ context.Context, personID, pmID string) bool {
	return m.NewStarters[personID+"/"+pmID]
}
