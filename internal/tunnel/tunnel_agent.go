package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

const defaultMaxTCPSockets = 10

// AgentStats reports a point-in-time snapshot of a TunnelAgent.
type AgentStats struct {
	ConnectedSockets int
}

type borrowResult struct {
	conn net.Conn
	err  error
}

// TunnelAgent is the per-client reverse-tunnel pool described by the
// system's core: it owns a TCP acceptor on an allocated port, a FIFO of
// idle sockets, and a FIFO of parked borrowers, and it behaves as an HTTP
// transport whose sockets are supplied by the remote client dialing in
// rather than dialed out by the transport itself.
type TunnelAgent struct {
	ownerID       string
	maxTCPSockets int
	ports         *PortAllocator
	bindAddress   string
	log           zerolog.Logger

	// OnOnline, OnOffline and OnEnd are installed by the owning
	// ClientSession before Listen is called. They must not block.
	OnOnline  func()
	OnOffline func()
	OnEnd     func()

	// AcceptLimiter, if set, gates how fast this agent's acceptor admits
	// new reverse connections from a given remote IP.
	AcceptLimiter interface {
		Allow(remoteAddr string) bool
	}

	mu               sync.Mutex
	started          bool
	closed           bool
	listener         net.Listener
	listenPort       int
	connectedSockets int
	available        []*tunnelConn
	waiters          []chan borrowResult
}

// NewTunnelAgent constructs an agent for ownerID. maxTCPSockets <= 0 falls
// back to the default cap of 10. ports may be nil, meaning "let the OS
// assign an ephemeral port and never consult a pool".
func NewTunnelAgent(ownerID string, maxTCPSockets int, ports *PortAllocator, bindAddress string, log zerolog.Logger) *TunnelAgent {
	if maxTCPSockets <= 0 {
		maxTCPSockets = defaultMaxTCPSockets
	}
	if bindAddress == "" {
		bindAddress = "0.0.0.0"
	}
	return &TunnelAgent{
		ownerID:       ownerID,
		maxTCPSockets: maxTCPSockets,
		ports:         ports,
		bindAddress:   bindAddress,
		log:           log.With().Str("client_id", ownerID).Logger(),
	}
}

// Listen binds the acceptor, requesting a port from the PortAllocator (if
// configured) or letting the OS choose one, and starts accepting reverse
// connections in the background. It returns the bound port.
func (a *TunnelAgent) Listen() (int, error) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return 0, ErrAlreadyStarted
	}
	a.started = true
	a.mu.Unlock()

	port := 0
	if a.ports != nil {
		p, err := a.ports.Acquire(a.ownerID)
		if err != nil {
			return 0, err
		}
		port = p
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", a.bindAddress, port))
	if err != nil {
		if a.ports != nil && port != 0 {
			a.ports.Release(port)
		}
		return 0, fmt.Errorf("tunnel: listen: %w", err)
	}

	boundPort := ln.Addr().(*net.TCPAddr).Port

	a.mu.Lock()
	a.listener = ln
	a.listenPort = boundPort
	a.mu.Unlock()

	go a.acceptLoop(ln)

	return boundPort, nil
}

func (a *TunnelAgent) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if closed {
				return
			}
			if isIgnorableNetError(err) {
				a.log.Debug().Err(err).Msg("tunnel acceptor: ignorable error")
				continue
			}
			a.log.Warn().Err(err).Msg("tunnel acceptor error")
			continue
		}
		if a.AcceptLimiter != nil && !a.AcceptLimiter.Allow(conn.RemoteAddr().String()) {
			_ = conn.Close()
			continue
		}
		a.admit(conn)
	}
}

// admit runs the socket-admission bookkeeping described for a newly
// arrived reverse connection: overflow protection, the 0->1 online
// transition, FIFO waiter hand-off, or appending to the idle pool.
func (a *TunnelAgent) admit(raw net.Conn) {
	a.mu.Lock()
	if a.connectedSockets >= a.maxTCPSockets {
		a.mu.Unlock()
		_ = raw.Close()
		return
	}

	a.connectedSockets++
	wasZero := a.connectedSockets == 1
	tc := newTunnelConn(raw, a)

	var waiter chan borrowResult
	if len(a.waiters) > 0 {
		waiter = a.waiters[0]
		a.waiters = a.waiters[1:]
	} else {
		a.available = append(a.available, tc)
	}
	a.mu.Unlock()

	if wasZero && a.OnOnline != nil {
		a.OnOnline()
	}

	if waiter != nil {
		// Delivered on the next scheduler turn: never re-entrantly from
		// within the admission path.
		go func() { waiter <- borrowResult{conn: tc, err: nil} }()
	} else {
		tc.startIdleMonitor()
	}
}

// Borrow returns an idle tunnel socket, or parks until the acceptor admits
// one, or until ctx is done. It fails immediately with ErrAgentClosed once
// the agent has been destroyed.
func (a *TunnelAgent) Borrow(ctx context.Context) (net.Conn, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrAgentClosed
	}
	if len(a.available) > 0 {
		tc := a.available[0]
		a.available = a.available[1:]
		a.mu.Unlock()
		tc.stopIdleMonitor()
		return tc, nil
	}

	ch := make(chan borrowResult, 1)
	a.waiters = append(a.waiters, ch)
	a.mu.Unlock()

	select {
	case res := <-ch:
		return res.conn, res.err
	case <-ctx.Done():
		a.abandonWaiter(ch)
		return nil, ctx.Err()
	}
}

func (a *TunnelAgent) abandonWaiter(ch chan borrowResult) {
	a.mu.Lock()
	for i, w := range a.waiters {
		if w == ch {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			break
		}
	}
	a.mu.Unlock()

	// If the socket was handed over in the window between ctx firing and
	// us taking the lock, we own it now and must not leak it.
	select {
	case res := <-ch:
		if res.conn != nil {
			_ = res.conn.Close()
		}
	default:
	}
}

// onSocketClosed runs the bookkeeping for the close of any admitted
// socket, whether it was idle or already borrowed out to a caller.
func (a *TunnelAgent) onSocketClosed(tc *tunnelConn) {
	a.mu.Lock()
	for i, c := range a.available {
		if c == tc {
			a.available = append(a.available[:i], a.available[i+1:]...)
			break
		}
	}
	a.connectedSockets--
	becameZero := a.connectedSockets == 0
	closed := a.closed
	a.mu.Unlock()

	if !closed && becameZero && a.OnOffline != nil {
		a.OnOffline()
	}
}

// Destroy closes the acceptor, drains every waiter with ErrAgentClosed,
// closes every idle socket, releases the listen port back to the
// allocator, and emits OnEnd. It is idempotent.
func (a *TunnelAgent) Destroy() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	ln := a.listener
	waiters := a.waiters
	a.waiters = nil
	available := a.available
	a.available = nil
	port := a.listenPort
	a.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, tc := range available {
		_ = tc.Close()
	}
	for _, w := range waiters {
		w := w
		go func() { w <- borrowResult{err: ErrAgentClosed} }()
	}
	if a.ports != nil && port != 0 {
		a.ports.Release(port)
	}
	if a.OnEnd != nil {
		a.OnEnd()
	}
}

// Stats reports the current connected-socket count.
func (a *TunnelAgent) Stats() AgentStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AgentStats{ConnectedSockets: a.connectedSockets}
}

// ListenPort returns the bound port, or 0 before Listen succeeds.
func (a *TunnelAgent) ListenPort() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listenPort
}

func isIgnorableNetError(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
