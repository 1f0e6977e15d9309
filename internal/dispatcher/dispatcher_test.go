package dispatcher

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rashidov-eu/lt-server/internal/tunnel"
)

func TestExtractSubdomain(t *testing.T) {
	cases := []struct {
		name string
		host string
		base string
		want string
	}{
		{"simple subdomain", "myapp.example.com", "example.com", "myapp"},
		{"strips port", "myapp.example.com:8080", "example.com", "myapp"},
		{"bare base domain has no subdomain", "example.com", "example.com", ""},
		{"unrelated host has no subdomain", "other.org", "example.com", ""},
		{"case insensitive", "MyApp.Example.COM", "example.com", "myapp"},
		{"nested label kept whole", "a.b.example.com", "example.com", "a.b"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractSubdomain(tc.host, tc.base))
		})
	}
}

func TestIsUpgradeRequest(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    bool
	}{
		{"websocket upgrade", map[string]string{"Connection": "Upgrade", "Upgrade": "websocket"}, true},
		{"multi-value connection header", map[string]string{"Connection": "keep-alive, Upgrade", "Upgrade": "websocket"}, true},
		{"no upgrade header", map[string]string{"Connection": "Upgrade"}, false},
		{"no connection header", map[string]string{"Upgrade": "websocket"}, false},
		{"plain request", map[string]string{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://example.com/", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, isUpgradeRequest(req))
		})
	}
}

func TestSplitRawHead(t *testing.T) {
	raw := "GET /widgets HTTP/1.1\r\nHost: myapp.example.com\r\nX-Custom: Keep-Case\r\n\r\n"
	requestLine, headerLines, ok := splitRawHead([]byte(raw))
	require.True(t, ok)
	assert.Equal(t, "GET /widgets HTTP/1.1", requestLine)
	assert.Equal(t, []string{"Host: myapp.example.com", "X-Custom: Keep-Case"}, headerLines)
}

func TestSplitRawHead_IncompleteHeadIsRejected(t *testing.T) {
	_, _, ok := splitRawHead([]byte("GET / HTTP/1.1\r\nHost: x"))
	assert.False(t, ok)
}

type fakeRegistry struct {
	sessions map[string]*tunnel.ClientSession
}

func (r *fakeRegistry) GetClient(id string) (*tunnel.ClientSession, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

func TestDispatcher_UnknownSubdomainReturns404(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	d := &Dispatcher{
		BaseDomain: "example.com",
		Registry:   &fakeRegistry{sessions: map[string]*tunnel.ClientSession{}},
		Log:        zerolog.Nop(),
	}
	go d.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "GET / HTTP/1.1\r\nHost: ghost.example.com\r\n\r\n")
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDispatcher_NoSubdomainFallsThroughToFallbackHandler(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	fallback := http.NewServeMux()
	fallback.HandleFunc("/landing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	d := &Dispatcher{
		BaseDomain: "example.com",
		Registry:   &fakeRegistry{sessions: map[string]*tunnel.ClientSession{}},
		Fallback:   fallback,
		Log:        zerolog.Nop(),
	}
	go d.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "GET /landing HTTP/1.1\r\nHost: example.com\r\n\r\n")
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestDispatcher_AcceptLimiterRejectsOverLimit(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	d := &Dispatcher{
		BaseDomain:    "example.com",
		Registry:      &fakeRegistry{sessions: map[string]*tunnel.ClientSession{}},
		Log:           zerolog.Nop(),
		AcceptLimiter: denyAllLimiter{},
	}
	go d.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err, "connection rejected by the accept limiter should be closed with no response")
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(string) bool { return false }
