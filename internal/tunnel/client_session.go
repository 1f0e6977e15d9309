package tunnel

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// GraceTimeout is how long a session tolerates having no connected tunnel
// socket before it is reaped. It is re-armed every time the agent's
// connected-socket count drops back to zero.
const GraceTimeout = 1000 * time.Millisecond

// ClientSession binds a subdomain id, a kill-auth secret, and the
// TunnelAgent that backs it, translating public HTTP traffic into traffic
// on borrowed tunnel sockets.
type ClientSession struct {
	ID     string
	secret string
	agent  *TunnelAgent
	log    zerolog.Logger
	client *http.Client

	// OnClose is installed by the ClientRegistry and invoked exactly once
	// when the session closes, for cleanup of the id->session map.
	OnClose func()

	mu         sync.Mutex
	closed     bool
	graceTimer *time.Timer
}

// NewClientSession wires a session around agent. It installs the agent's
// online/offline/end listeners and arms the initial grace timer so a
// client that never dials back in is reaped.
func NewClientSession(id, secret string, agent *TunnelAgent, log zerolog.Logger) *ClientSession {
	s := &ClientSession{
		ID:     id,
		secret: secret,
		agent:  agent,
		log:    log.With().Str("client_id", id).Logger(),
	}

	s.client = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return agent.Borrow(ctx)
			},
			MaxIdleConnsPerHost: 1,
		},
	}

	agent.OnOnline = s.handleOnline
	agent.OnOffline = s.handleOffline
	agent.OnEnd = s.handleAgentEnd

	s.armGraceTimer()
	return s
}

func (s *ClientSession) handleOnline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

func (s *ClientSession) handleOffline() {
	s.armGraceTimer()
}

func (s *ClientSession) handleAgentEnd() {
	s.Close()
}

func (s *ClientSession) armGraceTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(GraceTimeout, s.onGraceExpired)
}

func (s *ClientSession) onGraceExpired() {
	s.log.Debug().Msg("grace timer expired, closing session")
	s.Close()
}

// Close cancels the grace timer, destroys the agent, and emits OnClose
// exactly once. Safe to call more than once.
func (s *ClientSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	onClose := s.OnClose
	s.mu.Unlock()

	s.agent.Destroy()
	if onClose != nil {
		onClose()
	}
}

// AgentStats reports the underlying agent's connected-socket count.
func (s *ClientSession) AgentStats() AgentStats {
	return s.agent.Stats()
}

// ProxyHTTPRequest builds an outbound request addressed to a logical
// backend over a borrowed tunnel socket, copying method, path, and headers
// verbatim, streams the public body through, and relays the response back
// to w. If the round trip fails before any bytes of the response have been
// written, it surfaces a 502; otherwise the response is simply terminated,
// since headers have already gone out.
func (s *ClientSession) ProxyHTTPRequest(w http.ResponseWriter, r *http.Request) {
	outReq := r.Clone(r.Context())
	outReq.URL.Scheme = "http"
	outReq.URL.Host = "tunnel"
	outReq.RequestURI = ""
	outReq.Host = r.Host

	resp, err := s.client.Do(outReq)
	if err != nil {
		s.log.Debug().Err(err).Msg("proxied request failed")
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	dst := w.Header()
	for k, values := range resp.Header {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.log.Debug().Err(err).Msg("response body copy terminated early")
	}
}

// ProxyHTTPUpgrade borrows a tunnel socket, writes a synthetic request
// line and header block rebuilt verbatim from rawHeaderLines (preserving
// casing and ordering exactly as the public caller sent them), then
// splices conn and the tunnel socket bidirectionally until either side
// closes.
func (s *ClientSession) ProxyHTTPUpgrade(ctx context.Context, requestLine string, rawHeaderLines []string, conn net.Conn) {
	tunnelConn, err := s.agent.Borrow(ctx)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade: borrow failed")
		_ = conn.Close()
		return
	}

	head := requestLine + "\r\n"
	for _, line := range rawHeaderLines {
		head += line + "\r\n"
	}
	head += "\r\n"

	if _, err := io.WriteString(tunnelConn, head); err != nil {
		s.log.Debug().Err(err).Msg("upgrade: write request head")
		_ = tunnelConn.Close()
		_ = conn.Close()
		return
	}

	splice(conn, tunnelConn)
}

// splice copies bytes bidirectionally between a and b until either side
// closes, then closes both ends.
func splice(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	copyAndClose := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		_ = dst.Close()
	}

	go copyAndClose(a, b)
	go copyAndClose(b, a)
	wg.Wait()
}

// IsAuthorized decodes both the stored secret and the supplied bearer
// token as JWTs, payload only, with no signature verification: this is a
// same-logical-identity check used to gate the kill endpoint, not an
// authentication boundary. Any decode error, or a missing stored secret,
// is unauthorized.
func (s *ClientSession) IsAuthorized(bearerToken string) bool {
	if s.secret == "" {
		return false
	}
	secretName, ok := jwtNameClaim(s.secret)
	if !ok {
		return false
	}
	tokenName, ok := jwtNameClaim(bearerToken)
	if !ok {
		return false
	}
	return secretName == tokenName
}

func jwtNameClaim(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", false
	}
	name, ok := claims["name"].(string)
	return name, ok
}
