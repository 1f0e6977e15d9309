// Package dispatcher implements the public HTTP boundary: it extracts the
// subdomain from the Host header, looks the client up in the registry, and
// either proxies the request/upgrade to that client's session or falls
// through to the external admin router.
package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rashidov-eu/lt-server/internal/tunnel"
)

// Registry is the subset of *tunnel.ClientRegistry the Dispatcher needs.
type Registry interface {
	GetClient(id string) (*tunnel.ClientSession, bool)
}

// Dispatcher owns the public-facing tunnel listener and routes inbound
// connections by the Host header's leftmost DNS label below BaseDomain.
type Dispatcher struct {
	BaseDomain string
	Registry   Registry
	// Fallback handles every request with no subdomain, or whose `Host`
	// has none — the landing page, tunnel-creation endpoints, and the
	// admin/status API. It is the "external router" spec.md calls out of
	// scope for the core.
	Fallback http.Handler
	Log      zerolog.Logger

	// AcceptLimiter, if set, gates how fast this listener admits new
	// public-facing connections per remote IP.
	AcceptLimiter interface {
		Allow(remoteAddr string) bool
	}
}

// Serve accepts connections on ln until it returns an error (typically
// because ln was closed).
func (d *Dispatcher) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		if d.AcceptLimiter != nil && !d.AcceptLimiter.Allow(conn.RemoteAddr().String()) {
			_ = conn.Close()
			continue
		}
		go d.handleConn(conn)
	}
}

func (d *Dispatcher) handleConn(conn net.Conn) {
	tuneTCPConn(conn)

	var headBuf bytes.Buffer
	tee := io.TeeReader(conn, &headBuf)
	br := bufio.NewReader(tee)

	req, err := http.ReadRequest(br)
	if err != nil {
		_ = conn.Close()
		return
	}

	requestLine, headerLines, ok := splitRawHead(headBuf.Bytes())
	if !ok {
		_ = conn.Close()
		return
	}

	if req.Host == "" {
		d.respondPlain(conn, http.StatusBadRequest, "Bad Request")
		_ = conn.Close()
		return
	}

	clientID := extractSubdomain(req.Host, d.BaseDomain)
	if clientID == "" {
		d.serveFallback(conn, req)
		return
	}

	session, ok := d.Registry.GetClient(clientID)
	if !ok {
		if isUpgradeRequest(req) {
			_ = conn.Close()
			return
		}
		d.respondJSON(conn, http.StatusNotFound, map[string]string{"message": "Client not found"})
		_ = conn.Close()
		return
	}

	if isUpgradeRequest(req) {
		session.ProxyHTTPUpgrade(context.Background(), requestLine, headerLines, conn)
		return
	}

	w := newConnResponseWriter(conn)
	session.ProxyHTTPRequest(w, req)
	_ = conn.Close()
}

func (d *Dispatcher) serveFallback(conn net.Conn, req *http.Request) {
	w := newConnResponseWriter(conn)
	if d.Fallback != nil {
		d.Fallback.ServeHTTP(w, req)
	} else {
		w.WriteHeader(http.StatusNotFound)
	}
	_ = conn.Close()
}

func (d *Dispatcher) respondJSON(conn net.Conn, status int, body any) {
	w := newConnResponseWriter(conn)
	w.Header().Set("Content-Type", "application/json")
	b, _ := json.Marshal(body)
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func (d *Dispatcher) respondPlain(conn net.Conn, status int, body string) {
	w := newConnResponseWriter(conn)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// extractSubdomain strips the port from host, lowercases it, and returns
// the leftmost label(s) below base. It returns "" when host equals base or
// does not end in base at all.
func extractSubdomain(host, base string) string {
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	host = strings.ToLower(host)
	base = strings.ToLower(base)

	if host == base {
		return ""
	}
	suffix := "." + base
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	return strings.TrimSuffix(host, suffix)
}

func isUpgradeRequest(r *http.Request) bool {
	return headerTokenContains(r.Header, "Connection", "upgrade") && r.Header.Get("Upgrade") != ""
}

func headerTokenContains(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// splitRawHead splits the raw bytes captured ahead of http.ReadRequest's
// own buffering into the literal request line and header lines, in the
// exact order and casing they arrived on the wire.
func splitRawHead(raw []byte) (requestLine string, headerLines []string, ok bool) {
	text := string(raw)
	idx := strings.Index(text, "\r\n\r\n")
	if idx == -1 {
		return "", nil, false
	}
	lines := strings.Split(text[:idx], "\r\n")
	if len(lines) == 0 {
		return "", nil, false
	}
	return lines[0], lines[1:], true
}

func tuneTCPConn(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(30 * time.Second)
}
