package realtime

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	v1 "relay/shared/contracts/realtime/v1"
)

// Broadcaster fans an envelope out to every live connection.
type Broadcaster interface {
	Broadcast(env v1.Envelope)
}

// Registry is the in-memory presence table.
//
// Concurrency guarantees:
//   - All session state (tokens, activity, connection lists) is guarded by one mutex, so
//     capacity checks and registration are atomic.
//   - user-status broadcasts are emitted after the lock is released.
type Registry struct {
	log         *slog.Logger
	policy      Policy
	bucket      TokenBucket
	now         func() time.Time
	broadcaster Broadcaster
	metrics     *Metrics

	mu       sync.Mutex
	sessions map[int64]*sessionEntry
	byCred   map[string]int64
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithBroadcaster sets where user-status events go.
func WithBroadcaster(b Broadcaster) RegistryOption {
	return func(r *Registry) { r.broadcaster = b }
}

// WithMetrics attaches metrics collectors.
func WithMetrics(m *Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger, policy Policy, opts ...RegistryOption) *Registry {
	if log == nil {
		log = slog.Default()
	}
	policy = policy.withDefaults()

	r := &Registry{
		log:      log,
		policy:   policy,
		bucket:   NewTokenBucket(policy.MaxTokens, policy.RefillRate, policy.RefillInterval),
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[int64]*sessionEntry),
		byCred:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective limits.
func (r *Registry) Policy() Policy { return r.policy }

// AddSession creates (or replaces) the session of userID with a single connection and a full
// bucket, then broadcasts the user as online.
func (r *Registry) AddSession(userID int64, connID string) Session {
	now := r.now()

	r.mu.Lock()
	if old, ok := r.sessions[userID]; ok {
		r.forgetCredsLocked(old)
	}
	e := newSessionEntry(userID, r.policy.MaxTokens, now)
	e.addConn(connID)
	e.announced = true
	r.sessions[userID] = e
	out := e.Session
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.setSessions(n)
	r.broadcastStatus(userID, true, now)
	return out
}

// AddConnection registers one more socket for userID and broadcasts the user as online.
// It fails with ErrCapacity when the user already holds MaxConnectionsPerUser sockets.
// credHash (optional) feeds the presumed-user index used by the handshake throttle.
func (r *Registry) AddConnection(userID int64, connID, credHash string) (Session, error) {
	s, err := r.Reserve(userID, connID, credHash)
	if err != nil {
		return Session{}, err
	}
	r.Announce(userID)
	return s, nil
}

// Reserve is AddConnection without the online broadcast. The capacity check and the
// registration happen under one lock. The caller either calls Announce once the socket is
// usable or releases the slot with RemoveConnection, which stays silent for a session that
// was never announced.
func (r *Registry) Reserve(userID int64, connID, credHash string) (Session, error) {
	now := r.now()

	r.mu.Lock()
	e, ok := r.sessions[userID]
	if ok && e.ConnectionCount >= r.policy.MaxConnectionsPerUser {
		r.mu.Unlock()
		return Session{}, ErrCapacity
	}
	if !ok {
		e = newSessionEntry(userID, r.policy.MaxTokens, now)
		r.sessions[userID] = e
	}
	e.addConn(connID)
	e.LastActivityAt = now
	if credHash != "" {
		e.creds[credHash] = struct{}{}
		r.byCred[credHash] = userID
	}
	out := e.Session
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.setSessions(n)
	return out, nil
}

// Announce broadcasts userID as online. It reports false when no session exists.
func (r *Registry) Announce(userID int64) bool {
	now := r.now()

	r.mu.Lock()
	e, ok := r.sessions[userID]
	if ok {
		e.announced = true
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.broadcastStatus(userID, true, now)
	return true
}

// RemoveSession deletes the session of userID and broadcasts the user as offline.
// It reports false (and broadcasts nothing) when no session existed.
func (r *Registry) RemoveSession(userID int64) (Session, bool) {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	if ok {
		r.deleteLocked(e)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return Session{}, false
	}

	r.metrics.setSessions(n)
	r.broadcastStatus(userID, false, r.now())
	return e.Session, true
}

// RemoveConnection drops one socket of userID. When it was the last one the session is
// destroyed and, if it was announced, the user is broadcast as offline. The return value
// reports whether the session was destroyed.
func (r *Registry) RemoveConnection(userID int64, connID string) bool {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	if !ok || !e.dropConn(connID) {
		r.mu.Unlock()
		return false
	}
	destroyed := e.ConnectionCount == 0
	if destroyed {
		r.deleteLocked(e)
	}
	announced := e.announced
	n := len(r.sessions)
	r.mu.Unlock()

	if destroyed {
		r.metrics.setSessions(n)
		if announced {
			r.broadcastStatus(userID, false, r.now())
		}
	}
	return destroyed
}

// Touch records activity for userID. It reports false when no session exists.
func (r *Registry) Touch(userID int64) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[userID]
	if !ok {
		return false
	}
	e.LastActivityAt = now
	return true
}

// IsOnline reports whether userID has a session that has been active within InactiveTimeout.
func (r *Registry) IsOnline(userID int64) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[userID]
	return ok && !e.idle(now, r.policy.InactiveTimeout)
}

// Lookup returns a copy of the session of userID.
func (r *Registry) Lookup(userID int64) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return e.Session, true
}

// PresumedUser returns the user whose live session last presented credHash.
func (r *Registry) PresumedUser(credHash string) (int64, bool) {
	if credHash == "" {
		return 0, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byCred[credHash]
	return id, ok
}

// Consume takes one rate-limit token from userID's bucket.
// Users without a session always pass; an empty bucket rejects.
func (r *Registry) Consume(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[userID]
	if !ok {
		return true
	}

	left, ok := r.bucket.Take(e.RateLimitTokens)
	if !ok {
		return false
	}
	e.RateLimitTokens = left
	return true
}

// Refill applies the bucket refill to every session and returns how many were visited.
func (r *Registry) Refill() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.sessions {
		e.RateLimitTokens, e.LastRefillAt = r.bucket.Refill(e.RateLimitTokens, e.LastRefillAt, now)
	}
	return len(r.sessions)
}

// Sweep removes every session idle for at least InactiveTimeout and returns what it evicted,
// including the connection ids each session held at that moment.
// Each removed announced user is broadcast as offline exactly once.
func (r *Registry) Sweep() []Eviction {
	now := r.now()

	r.mu.Lock()
	var (
		evicted []Eviction
		notify  []int64
	)
	for id, e := range r.sessions {
		if !e.idle(now, r.policy.InactiveTimeout) {
			continue
		}
		r.deleteLocked(e)
		evicted = append(evicted, Eviction{UserID: id, ConnectionIDs: slices.Clone(e.conns)})
		if e.announced {
			notify = append(notify, id)
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if len(evicted) == 0 {
		return nil
	}

	r.metrics.setSessions(n)
	for _, id := range notify {
		r.broadcastStatus(id, false, now)
	}
	return evicted
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) deleteLocked(e *sessionEntry) {
	r.forgetCredsLocked(e)
	delete(r.sessions, e.UserID)
}

func (r *Registry) forgetCredsLocked(e *sessionEntry) {
	for h := range e.creds {
		if r.byCred[h] == e.UserID {
			delete(r.byCred, h)
		}
	}
}

func (r *Registry) broadcastStatus(userID int64, online bool, now time.Time) {
	if r.broadcaster == nil {
		return
	}

	env, err := newEnvelope(v1.TypeUserStatus, v1.UserStatusPayload{
		UserID:    userID,
		IsOnline:  online,
		Timestamp: now.UnixMilli(),
	}, now)
	if err != nil {
		r.log.Error("presence.status.encode.fail", "user_id", userID, "err", err)
		return
	}

	r.broadcaster.Broadcast(env)
	r.log.Info("presence.status", "user_id", userID, "online", online)
}
