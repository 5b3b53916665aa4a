package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"relay/cmd/identity"
	v1 "relay/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordingBroadcaster keeps every broadcast envelope.
type recordingBroadcaster struct {
	mu   sync.Mutex
	envs []v1.Envelope
}

func (b *recordingBroadcaster) Broadcast(env v1.Envelope) {
	b.mu.Lock()
	b.envs = append(b.envs, env)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) statuses(t *testing.T) []v1.UserStatusPayload {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]v1.UserStatusPayload, 0, len(b.envs))
	for _, env := range b.envs {
		require.Equal(t, v1.TypeUserStatus, env.Type)
		var p v1.UserStatusPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		out = append(out, p)
	}
	return out
}

// fakeVerifier maps credentials to users or errors and counts calls.
type fakeVerifier struct {
	mu     sync.Mutex
	users  map[string]identity.User
	errs   map[string]error
	calls  int
	metas  []identity.Meta
	onCall func(ctx context.Context) error
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{users: map[string]identity.User{}, errs: map[string]error{}}
}

func (f *fakeVerifier) Verify(ctx context.Context, credential string, meta identity.Meta) (identity.User, error) {
	f.mu.Lock()
	f.calls++
	f.metas = append(f.metas, meta)
	hook := f.onCall
	u, okU := f.users[credential]
	err, okE := f.errs[credential]
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return identity.User{}, err
		}
	}
	if okE {
		return identity.User{}, err
	}
	if okU {
		return u, nil
	}
	return identity.User{}, identity.StatusError{Status: 401, Kind: identity.ErrInvalidCredential}
}

func (f *fakeVerifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
