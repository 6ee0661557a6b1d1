package directory

import "context"

// MockLookup is a test double for Lookup backed by in-memory maps.
type MockLookup struct {
	// Accounts maps person id to account ids.
	Accounts map[string][]string
	// Users maps user id to account details.
	Users map[string]User
	// Err, when set, is returned by every call.
	Err error
}

// AccountIDs returns the configured account ids for the person.
func (m *MockLookup) AccountIDs(_ context.Context, personID string) ([]string, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	ids, ok := m.Accounts[personID]
	if !ok || len(ids) == 0 {
		return nil, ErrUserNotFound
	}
	return ids, nil
}

// DetailsByID returns the configured user with the given id.
func (m *MockLookup) DetailsByID(_ context.Context, userID string) (User, error) {
	if m.Err != nil {
		return User{}, m.Err
	}
	u, ok := m.Users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

// DetailsByEmail returns the configured user with the given email.
func (m *MockLookup) DetailsByEmail(_ context.Context, email string) (User, error) {
	if m.Err != nil {
		return User{}, m.Err
	}
	for _, u := range m.Users {
		if u.Email == email {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}
