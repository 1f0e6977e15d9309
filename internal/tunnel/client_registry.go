package tunnel

import (
	"context"
	"regexp"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rashidov-eu/lt-server/internal/idgen"
)

// SubdomainPattern is the syntax enforced on client ids at the HTTP
// boundary, not inside the registry itself: the admin API rejects requested
// ids that fail it with 403 before reaching NewClient.
var SubdomainPattern = regexp.MustCompile(`^(?:[a-z0-9][a-z0-9-]{4,63}[a-z0-9]|[a-z0-9]{4,63})$`)

// RegistryStats mirrors ClientRegistry's observable counters.
type RegistryStats struct {
	Tunnels int
}

// ClientRegistry is the process-wide mapping from subdomain id to
// ClientSession.
type ClientRegistry struct {
	mu            sync.Mutex
	clients       map[string]*ClientSession
	ports         *PortAllocator
	maxTCPSockets int
	bindAddress   string
	log           zerolog.Logger

	// AcceptLimiter, if set, is installed on every agent this registry
	// creates.
	AcceptLimiter interface {
		Allow(remoteAddr string) bool
	}
}

// NewClientRegistry constructs an empty registry sharing one PortAllocator
// across every agent it creates.
func NewClientRegistry(ports *PortAllocator, maxTCPSockets int, bindAddress string, log zerolog.Logger) *ClientRegistry {
	return &ClientRegistry{
		clients:       make(map[string]*ClientSession),
		ports:         ports,
		maxTCPSockets: maxTCPSockets,
		bindAddress:   bindAddress,
		log:           log,
	}
}

// NewClientResult is returned by NewClient on success.
type NewClientResult struct {
	ID           string
	Port         int
	MaxConnCount int
}

// NewClient creates a session for requestedID (or a random id if empty or
// taken), inserting it into the registry before starting its acceptor so
// two concurrent requests cannot race onto the same id.
func (r *ClientRegistry) NewClient(ctx context.Context, requestedID, bearerToken string) (NewClientResult, error) {
	r.mu.Lock()
	id := requestedID
	if id == "" {
		id = r.nextRandomIDLocked()
	} else if _, taken := r.clients[id]; taken {
		id = r.nextRandomIDLocked()
	}

	agent := NewTunnelAgent(id, r.maxTCPSockets, r.ports, r.bindAddress, r.log)
	agent.AcceptLimiter = r.AcceptLimiter
	session := NewClientSession(id, bearerToken, agent, r.log)
	session.OnClose = func() { r.removeInternal(id) }
	r.clients[id] = session
	r.mu.Unlock()

	port, err := agent.Listen()
	if err != nil {
		r.mu.Lock()
		delete(r.clients, id)
		r.mu.Unlock()
		return NewClientResult{}, err
	}

	r.mu.Lock()
	tunnels := len(r.clients)
	r.mu.Unlock()
	r.log.Info().Str("client_id", id).Int("port", port).Int("tunnels", tunnels).Msg("client registered")

	return NewClientResult{ID: id, Port: port, MaxConnCount: r.maxTCPSockets}, nil
}

// nextRandomIDLocked must be called with r.mu held.
func (r *ClientRegistry) nextRandomIDLocked() string {
	for {
		id := idgen.RandomID()
		if _, taken := r.clients[id]; !taken {
			return id
		}
	}
}

// RemoveClient idempotently removes id, releasing its agent's port,
// updating stats, and closing the session.
func (r *ClientRegistry) RemoveClient(id string) {
	r.mu.Lock()
	session, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, id)
	r.mu.Unlock()
	session.Close()
}

// removeInternal is the ClientSession.OnClose callback: it only needs to
// remove the map entry, since the session is already closing itself.
func (r *ClientRegistry) removeInternal(id string) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}

// HasClient reports whether id is currently registered.
func (r *ClientRegistry) HasClient(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[id]
	return ok
}

// GetClient looks up id.
func (r *ClientRegistry) GetClient(id string) (*ClientSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.clients[id]
	return s, ok
}

// Stats reports stats.tunnels, which always equals the size of the id map.
func (r *ClientRegistry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RegistryStats{Tunnels: len(r.clients)}
}

// TotalConnectedSockets sums connected-socket counts across every
// registered session's agent, for observability purposes only.
func (r *ClientRegistry) TotalConnectedSockets() int {
	r.mu.Lock()
	sessions := make([]*ClientSession, 0, len(r.clients))
	for _, s := range r.clients {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	total := 0
	for _, s := range sessions {
		total += s.AgentStats().ConnectedSockets
	}
	return total
}
