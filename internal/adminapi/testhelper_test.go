package adminapi

import (
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/rashidov-eu/lt-server/internal/tunnel"
)

// testEnv holds a fully wired admin API plus an httptest.Server in front of
// it, mirroring the teacher's setupTestEnv pattern.
type testEnv struct {
	Registry *tunnel.ClientRegistry
	Admin    *Server
	Server   *httptest.Server
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := zerolog.Nop()
	ports, err := tunnel.NewPortAllocator("")
	if err != nil {
		t.Fatalf("failed to build port allocator: %v", err)
	}
	registry := tunnel.NewClientRegistry(ports, 5, "127.0.0.1", log)

	admin := NewServer("example.com", "", false, registry, log, []string{"*"})
	ts := httptest.NewServer(admin)
	t.Cleanup(ts.Close)

	return &testEnv{Registry: registry, Admin: admin, Server: ts}
}
