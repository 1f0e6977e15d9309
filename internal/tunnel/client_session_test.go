package tunnel

import (
	"net"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, name string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"name": name})
	s, err := token.SignedString([]byte("any-key-works-because-we-never-verify"))
	require.NoError(t, err)
	return s
}

func TestClientSession_GraceTimerClosesSessionWhenNeverOnline(t *testing.T) {
	agent := NewTunnelAgent("grace-a", 5, nil, "127.0.0.1", testLogger())
	_, err := agent.Listen()
	require.NoError(t, err)

	closed := make(chan struct{})
	session := NewClientSession("grace-a", "", agent, testLogger())
	session.OnClose = func() { close(closed) }

	select {
	case <-closed:
	case <-time.After(GraceTimeout + 500*time.Millisecond):
		t.Fatal("session was not reaped after grace timeout with no connected sockets")
	}
}

func TestClientSession_OnlineCancelsGraceTimer(t *testing.T) {
	agent := NewTunnelAgent("grace-b", 5, nil, "127.0.0.1", testLogger())
	port, err := agent.Listen()
	require.NoError(t, err)

	closed := make(chan struct{})
	session := NewClientSession("grace-b", "", agent, testLogger())
	session.OnClose = func() { close(closed) }
	defer session.Close()

	conn, dialErr := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, dialErr)
	defer conn.Close()

	select {
	case <-closed:
		t.Fatal("session closed despite a connected socket keeping it alive")
	case <-time.After(GraceTimeout + 300*time.Millisecond):
	}
}

func TestClientSession_CloseIsIdempotent(t *testing.T) {
	agent := NewTunnelAgent("close-a", 5, nil, "127.0.0.1", testLogger())
	_, err := agent.Listen()
	require.NoError(t, err)

	calls := 0
	session := NewClientSession("close-a", "", agent, testLogger())
	session.OnClose = func() { calls++ }

	session.Close()
	session.Close()
	session.Close()

	assert.Equal(t, 1, calls, "OnClose must fire exactly once regardless of how many times Close is called")
}

func TestClientSession_IsAuthorized(t *testing.T) {
	agent := NewTunnelAgent("auth-a", 5, nil, "127.0.0.1", testLogger())
	_, err := agent.Listen()
	require.NoError(t, err)
	defer agent.Destroy()

	secret := signedToken(t, "alice")
	session := NewClientSession("auth-a", secret, agent, testLogger())

	assert.True(t, session.IsAuthorized(signedToken(t, "alice")))
	assert.False(t, session.IsAuthorized(signedToken(t, "bob")))
	assert.False(t, session.IsAuthorized(""))
	assert.False(t, session.IsAuthorized("not-a-jwt-at-all"))
}

func TestClientSession_IsAuthorized_NoStoredSecretAlwaysRejects(t *testing.T) {
	agent := NewTunnelAgent("auth-b", 5, nil, "127.0.0.1", testLogger())
	_, err := agent.Listen()
	require.NoError(t, err)
	defer agent.Destroy()

	session := NewClientSession("auth-b", "", agent, testLogger())
	assert.False(t, session.IsAuthorized(signedToken(t, "alice")))
}

func TestClientSession_ProxyHTTPRequest_BorrowFailureYieldsBadGateway(t *testing.T) {
	agent := NewTunnelAgent("proxy-a", 5, nil, "127.0.0.1", testLogger())
	_, err := agent.Listen()
	require.NoError(t, err)
	agent.Destroy()

	session := NewClientSession("proxy-a", "", agent, testLogger())

	req := httptest.NewRequest("GET", "http://proxy-a.example.com/widgets", nil)
	rec := httptest.NewRecorder()

	session.ProxyHTTPRequest(rec, req)
	assert.Equal(t, 502, rec.Code)
}
