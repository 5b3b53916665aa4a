package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// MaxContentChars bounds the content of an inbound live event (runes).
	MaxContentChars = 5000
)

// Presence and throttling defaults.
const (
	DefaultMaxTokens             = 50
	DefaultRefillRate            = 10
	DefaultRefillInterval        = time.Minute
	DefaultMaxConnectionsPerUser = 5
	DefaultInactiveTimeout       = 30 * time.Minute
	DefaultReaperInterval        = 5 * time.Minute
	DefaultBlockRetention        = 24 * time.Hour
	DefaultVerifyTimeout         = 5 * time.Second
)

const (
	// Heartbeat defaults (overridable through GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
)

// Policy holds the per-user presence limits.
type Policy struct {
	MaxTokens             int
	RefillRate            int
	RefillInterval        time.Duration
	MaxConnectionsPerUser int
	InactiveTimeout       time.Duration
}

// DefaultPolicy returns the production limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxTokens:             DefaultMaxTokens,
		RefillRate:            DefaultRefillRate,
		RefillInterval:        DefaultRefillInterval,
		MaxConnectionsPerUser: DefaultMaxConnectionsPerUser,
		InactiveTimeout:       DefaultInactiveTimeout,
	}
}

// withDefaults replaces non-positive fields with their defaults.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxTokens <= 0 {
		p.MaxTokens = d.MaxTokens
	}
	if p.RefillRate <= 0 {
		p.RefillRate = d.RefillRate
	}
	if p.RefillInterval <= 0 {
		p.RefillInterval = d.RefillInterval
	}
	if p.MaxConnectionsPerUser <= 0 {
		p.MaxConnectionsPerUser = d.MaxConnectionsPerUser
	}
	if p.InactiveTimeout <= 0 {
		p.InactiveTimeout = d.InactiveTimeout
	}
	return p
}
