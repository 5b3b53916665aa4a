package realtime

import "time"

// Session is the presence record of one user. The registry is keyed by UserID, so a user
// has at most one Session regardless of how many sockets they hold.
type Session struct {
	UserID          int64
	ConnectionID    string // most recent connection still open
	LastActivityAt  time.Time
	ConnectionCount int
	RateLimitTokens int
	LastRefillAt    time.Time
}

// sessionEntry is the registry-private state behind a Session.
type sessionEntry struct {
	Session

	conns []string            // live connection ids, oldest first
	creds map[string]struct{} // credential hashes presented by those connections

	// announced is set once the user has been broadcast as online; only announced
	// sessions are broadcast as offline when they end.
	announced bool
}

// Eviction names a session removed for inactivity and the sockets it held at that moment.
type Eviction struct {
	UserID        int64
	ConnectionIDs []string
}

func newSessionEntry(userID int64, tokens int, now time.Time) *sessionEntry {
	return &sessionEntry{
		Session: Session{
			UserID:          userID,
			LastActivityAt:  now,
			RateLimitTokens: tokens,
			LastRefillAt:    now,
		},
		creds: make(map[string]struct{}),
	}
}

func (e *sessionEntry) addConn(connID string) {
	e.conns = append(e.conns, connID)
	e.ConnectionID = connID
	e.ConnectionCount = len(e.conns)
}

// dropConn removes connID and reports whether it was present.
func (e *sessionEntry) dropConn(connID string) bool {
	for i, id := range e.conns {
		if id != connID {
			continue
		}
		e.conns = append(e.conns[:i], e.conns[i+1:]...)
		e.ConnectionCount = len(e.conns)
		if len(e.conns) > 0 {
			e.ConnectionID = e.conns[len(e.conns)-1]
		} else {
			e.ConnectionID = ""
		}
		return true
	}
	return false
}

func (e *sessionEntry) idle(now time.Time, timeout time.Duration) bool {
	return now.Sub(e.LastActivityAt) >= timeout
}
