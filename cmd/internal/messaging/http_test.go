package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relay/cmd/identity"
)

type stubVerifier struct {
	mu    sync.Mutex
	users map[string]identity.User
	err   error
	metas []identity.Meta
}

func (v *stubVerifier) fail(err error) {
	v.mu.Lock()
	v.err = err
	v.mu.Unlock()
}

func (v *stubVerifier) Verify(_ context.Context, credential string, meta identity.Meta) (identity.User, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.metas = append(v.metas, meta)
	if v.err != nil {
		return identity.User{}, v.err
	}
	u, ok := v.users[credential]
	if !ok {
		return identity.User{}, identity.StatusError{Status: http.StatusUnauthorized, Kind: identity.ErrInvalidCredential}
	}
	return u, nil
}

type apiFixture struct {
	srv      *httptest.Server
	repo     *InMemoryRepository
	notifier *fakeNotifier
	verifier *stubVerifier
	handler  *Handler
}

func newAPIFixture(t *testing.T, cfg APIConfig) *apiFixture {
	t.Helper()

	notifier := newFakeNotifier(1, 2)
	svc, repo := newTestService(notifier, &fakePublisher{})
	verifier := &stubVerifier{users: map[string]identity.User{
		"alice-token": {ID: 1, Email: "alice@example.com"},
		"bob-token":   {ID: 2, Email: "bob@example.com"},
		"eve-token":   {ID: 3, Email: "eve@example.com"},
	}}
	h := NewHandler(discardLogger(), svc, verifier, cfg)

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &apiFixture{srv: srv, repo: repo, notifier: notifier, verifier: verifier, handler: h}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) (int, apiResponse) {
	t.Helper()

	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestAPI_Authentication(t *testing.T) {
	f := newAPIFixture(t, DefaultAPIConfig())

	status, body := f.do(t, http.MethodGet, "/api/messages/unread", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.False(t, body.Success)
	require.Equal(t, "unauthorized", body.Error.Code)

	status, _ = f.do(t, http.MethodGet, "/api/messages/unread", "nobody", nil)
	require.Equal(t, http.StatusUnauthorized, status)

	f.verifier.fail(identity.StatusError{Status: http.StatusForbidden, Kind: identity.ErrForbidden})
	status, body = f.do(t, http.MethodGet, "/api/messages/unread", "alice-token", nil)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "forbidden", body.Error.Code)

	f.verifier.fail(errors.New("dial tcp: connection refused"))
	status, body = f.do(t, http.MethodGet, "/api/messages/unread", "alice-token", nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, "auth_unavailable", body.Error.Code)

	f.verifier.mu.Lock()
	defer f.verifier.mu.Unlock()
	for _, m := range f.verifier.metas {
		require.NotEmpty(t, m.RequestID)
		require.Equal(t, "127.0.0.1", m.ClientIP)
	}
}

func TestAPI_SendAndRead(t *testing.T) {
	f := newAPIFixture(t, DefaultAPIConfig())

	status, body := f.do(t, http.MethodPost, "/api/messages/send", "alice-token", map[string]any{
		"receiverId": 2,
		"content":    "hello bob",
	})
	require.Equal(t, http.StatusCreated, status)
	require.True(t, body.Success)

	data, ok := body.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "hello bob", data["content"])
	require.EqualValues(t, 1, data["senderId"])
	msgID := int64(data["id"].(float64))

	status, body = f.do(t, http.MethodGet, "/api/messages/unread", "bob-token", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Data, 1)

	status, body = f.do(t, http.MethodGet, "/api/messages/conversation/1", "bob-token", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Data, 1)

	status, _ = f.do(t, http.MethodPatch, "/api/messages/"+strconv.FormatInt(msgID, 10)+"/read", "alice-token", nil)
	require.Equal(t, http.StatusForbidden, status)

	status, body = f.do(t, http.MethodPatch, "/api/messages/"+strconv.FormatInt(msgID, 10)+"/read", "bob-token", nil)
	require.Equal(t, http.StatusOK, status)
	require.True(t, body.Success)

	status, body = f.do(t, http.MethodGet, "/api/messages/unread", "bob-token", nil)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, body.Data)

	status, body = f.do(t, http.MethodGet, "/api/messages/conversations", "alice-token", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Data, 1)
}

func TestAPI_EmptyListsAreOK(t *testing.T) {
	f := newAPIFixture(t, DefaultAPIConfig())

	for _, path := range []string{
		"/api/messages/unread",
		"/api/messages/conversations",
		"/api/messages/conversation/2",
	} {
		status, body := f.do(t, http.MethodGet, path, "alice-token", nil)
		require.Equal(t, http.StatusOK, status, path)
		require.True(t, body.Success, path)
	}
}

func TestAPI_SendValidation(t *testing.T) {
	f := newAPIFixture(t, DefaultAPIConfig())

	cases := []struct {
		name string
		body any
		code string
	}{
		{"missing content", map[string]any{"receiverId": 2}, "invalid_request"},
		{"zero receiver", map[string]any{"receiverId": 0, "content": "x"}, "invalid_request"},
		{"too long", map[string]any{"receiverId": 2, "content": strings.Repeat("a", 1001)}, "invalid_request"},
		{"blank content", map[string]any{"receiverId": 2, "content": "   "}, "invalid_request"},
		{"unknown field", map[string]any{"receiverId": 2, "content": "x", "extra": true}, "invalid_json"},
		{"not json", "{", "invalid_json"},
		{"string id", map[string]any{"receiverId": "2", "content": "x"}, "invalid_json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := f.do(t, http.MethodPost, "/api/messages/send", "alice-token", tc.body)
			require.Equal(t, http.StatusBadRequest, status)
			require.Equal(t, tc.code, body.Error.Code)
		})
	}

	_, body := f.do(t, http.MethodPost, "/api/messages/send", "alice-token", map[string]any{"receiverId": 2})
	require.Equal(t, "content is required", body.Error.Message)
}

func TestAPI_BodyLimit(t *testing.T) {
	cfg := DefaultAPIConfig()
	cfg.MaxBodyBytes = 64
	f := newAPIFixture(t, cfg)

	status, body := f.do(t, http.MethodPost, "/api/messages/send", "alice-token", map[string]any{
		"receiverId": 2,
		"content":    strings.Repeat("a", 200),
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_json", body.Error.Code)
}

func TestAPI_DeleteAuthorization(t *testing.T) {
	f := newAPIFixture(t, DefaultAPIConfig())

	msg, err := f.repo.Create(context.Background(), NewMessage{SenderID: 1, ReceiverID: 2, Content: "x"})
	require.NoError(t, err)
	path := "/api/messages/" + strconv.FormatInt(msg.ID, 10)

	status, _ := f.do(t, http.MethodDelete, path, "eve-token", nil)
	require.Equal(t, http.StatusForbidden, status)

	status, _ = f.do(t, http.MethodDelete, "/api/messages/999", "alice-token", nil)
	require.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodDelete, "/api/messages/abc", "alice-token", nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, body := f.do(t, http.MethodDelete, path, "bob-token", nil)
	require.Equal(t, http.StatusOK, status)
	require.True(t, body.Success)

	sent := f.notifier.notifications()
	require.Len(t, sent, 1)
	require.Equal(t, int64(1), sent[0].UserID)
}

func TestAPI_SendRateLimited(t *testing.T) {
	cfg := DefaultAPIConfig()
	cfg.SendPerMinute = 2
	cfg.SendBurst = 2
	f := newAPIFixture(t, cfg)
	var (
		mu  sync.Mutex
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	)
	f.handler.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	send := func(token string) int {
		status, _ := f.do(t, http.MethodPost, "/api/messages/send", token, map[string]any{"receiverId": 2, "content": "x"})
		return status
	}

	require.Equal(t, http.StatusCreated, send("alice-token"))
	require.Equal(t, http.StatusCreated, send("alice-token"))
	require.Equal(t, http.StatusTooManyRequests, send("alice-token"))
	require.Equal(t, http.StatusCreated, send("eve-token"))

	mu.Lock()
	now = now.Add(30 * time.Second)
	mu.Unlock()
	require.Equal(t, http.StatusCreated, send("alice-token"))
}
