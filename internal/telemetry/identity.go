package telemetry

import "sync"

// Identity reports the user telemetry is collected for. ok is false when
// nobody is signed in or the current user is a guest.
type Identity interface {
	CurrentUser() (userID string, ok bool)
}

// AuthState is a concurrency-safe Identity driven by sign-in and sign-out
// calls from the host application.
type AuthState struct {
	mu     sync.RWMutex
	userID string
	guest  bool
}

// SignIn marks userID as the authenticated, tracked user.
func (a *AuthState) SignIn(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userID = userID
	a.guest = false
}

// SignInGuest switches to guest mode. Telemetry is never collected for
// guests.
func (a *AuthState) SignInGuest() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userID = ""
	a.guest = true
}

// SignOut clears the current user.
func (a *AuthState) SignOut() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userID = ""
	a.guest = false
}

// IsGuest reports whether the app is in guest mode.
func (a *AuthState) IsGuest() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.guest
}

// CurrentUser returns the signed-in user. ok is false for guests and when
// nobody is signed in.
func (a *AuthState) CurrentUser() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.guest || a.userID == "" {
		return "", false
	}
	return a.userID, true
}
