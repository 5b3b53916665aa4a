package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"relay/cmd/identity"
	"relay/cmd/security/token"
)

// Attempt is one connection attempt as seen before the websocket upgrade.
type Attempt struct {
	Token        string
	RemoteAddr   string
	AttemptID    string // request id forwarded to the identity service
	ConnectionID string // generated when empty
}

// Admission is the outcome of a successful handshake.
type Admission struct {
	User           identity.User
	Session        Session
	CredentialHash string
	ConnectionID   string
}

// Gatekeeper runs the handshake pipeline. Every step short-circuits on failure.
type Gatekeeper struct {
	log           *slog.Logger
	registry      *Registry
	revoked       RevocationCache
	verifier      identity.Verifier
	hasher        token.Hasher
	verifyTimeout time.Duration
	metrics       *Metrics
	now           func() time.Time
}

// GatekeeperConfig holds the collaborators of a Gatekeeper.
type GatekeeperConfig struct {
	Registry      *Registry
	Revoked       RevocationCache
	Verifier      identity.Verifier
	Hasher        token.Hasher
	VerifyTimeout time.Duration
	Metrics       *Metrics
}

// NewGatekeeper constructs a Gatekeeper. A non-positive VerifyTimeout selects DefaultVerifyTimeout.
func NewGatekeeper(log *slog.Logger, cfg GatekeeperConfig) *Gatekeeper {
	if log == nil {
		log = slog.Default()
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = DefaultVerifyTimeout
	}
	if cfg.Revoked == nil {
		cfg.Revoked = NewMemoryRevocationCache(DefaultBlockRetention, nil)
	}
	return &Gatekeeper{
		log:           log,
		registry:      cfg.Registry,
		revoked:       cfg.Revoked,
		verifier:      cfg.Verifier,
		hasher:        cfg.Hasher,
		verifyTimeout: cfg.VerifyTimeout,
		metrics:       cfg.Metrics,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Admit authenticates a, applies throttling and capacity, and reserves the connection slot.
// Nothing is broadcast yet: the caller calls Confirm once the transport is usable, and must
// call Registry.RemoveConnection when the connection ends (or fails before Confirm).
func (g *Gatekeeper) Admit(ctx context.Context, a Attempt) (Admission, error) {
	adm, err := g.admit(ctx, a)
	if err != nil {
		g.metrics.handshake(rejectReason(err))
		g.log.Warn("gateway.handshake.reject",
			"reason", rejectReason(err),
			"remote_addr", a.RemoteAddr,
			"attempt_id", a.AttemptID,
			"err", err,
		)
		return Admission{}, err
	}

	g.metrics.handshake("ok")
	g.log.Info("gateway.handshake.ok",
		"user_id", adm.User.ID,
		"connection_id", adm.ConnectionID,
		"connections", adm.Session.ConnectionCount,
		"remote_addr", a.RemoteAddr,
	)
	return adm, nil
}

// Confirm broadcasts the admitted user as online.
func (g *Gatekeeper) Confirm(adm Admission) {
	g.registry.Announce(adm.User.ID)
}

func (g *Gatekeeper) admit(ctx context.Context, a Attempt) (Admission, error) {
	cred := strings.TrimSpace(a.Token)
	hash := ""
	if cred != "" {
		hash = g.hasher.HashCredential(cred)
	}

	// 1. Throttle the presumed user; users without a session always pass.
	if hash != "" {
		if uid, ok := g.registry.PresumedUser(hash); ok && !g.registry.Consume(uid) {
			return Admission{}, fmt.Errorf("handshake for user %d: %w", uid, ErrRateLimited)
		}
	}

	// 2. Missing or revoked credential.
	if cred == "" {
		return Admission{}, ErrTokenMissing
	}
	blocked, err := g.revoked.IsBlocked(ctx, hash)
	if err != nil {
		g.log.Warn("revocation.lookup.fail", "err", err)
	}
	if blocked {
		return Admission{}, ErrTokenBlocked
	}

	// 3-6. External verification.
	vctx, cancel := context.WithTimeout(ctx, g.verifyTimeout)
	user, err := g.verifier.Verify(vctx, cred, identity.Meta{ClientIP: a.RemoteAddr, RequestID: a.AttemptID})
	cancel()
	switch {
	case err == nil:
	case identity.IsInvalidCredential(err):
		if berr := g.revoked.Block(ctx, hash); berr != nil {
			g.log.Warn("revocation.block.fail", "err", berr)
		} else {
			g.log.Info("revocation.block", "remote_addr", a.RemoteAddr)
		}
		return Admission{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	case identity.IsForbidden(err):
		return Admission{}, fmt.Errorf("%w: %w", ErrAccessDenied, err)
	default:
		return Admission{}, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	// 7-8. Capacity check and registration in one registry call; the broadcast waits for Confirm.
	connID := a.ConnectionID
	if connID == "" {
		connID, err = NewConnectionID(g.now())
		if err != nil {
			return Admission{}, fmt.Errorf("%w: connection id: %w", ErrAuthenticationFailed, err)
		}
	}
	sess, err := g.registry.Reserve(user.ID, connID, hash)
	if err != nil {
		if errors.Is(err, ErrCapacity) {
			return Admission{}, fmt.Errorf("user %d: %w", user.ID, err)
		}
		return Admission{}, err
	}

	return Admission{
		User:           user,
		Session:        sess,
		CredentialHash: hash,
		ConnectionID:   connID,
	}, nil
}
