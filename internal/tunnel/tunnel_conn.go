package tunnel

import (
	"net"
	"sync"
	"time"
)

// tunnelConn wraps a raw reverse-tunnel socket so that Close() is safe to
// call exactly once from any of its several callers (the idle monitor, the
// HTTP transport evicting an idle connection, the upgrade splicer, or
// Destroy draining the pool) while still running TunnelAgent's bookkeeping
// exactly once.
type tunnelConn struct {
	net.Conn
	agent *TunnelAgent

	closeOnce sync.Once

	mu          sync.Mutex
	monitored   bool
	monitorDone chan struct{}
}

func newTunnelConn(raw net.Conn, agent *TunnelAgent) *tunnelConn {
	return &tunnelConn{Conn: raw, agent: agent}
}

func (c *tunnelConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.monitored = false
		c.mu.Unlock()
		err = c.Conn.Close()
		c.agent.onSocketClosed(c)
	})
	return err
}

// startIdleMonitor watches a socket sitting unborrowed in availableSockets.
// A tunnel socket is never supposed to send anything while idle; any read
// result (data, EOF, or error) means the remote end went away, so the
// socket is dropped and the agent's connection-count bookkeeping runs.
func (c *tunnelConn) startIdleMonitor() {
	done := make(chan struct{})
	c.mu.Lock()
	c.monitored = true
	c.monitorDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		buf := make([]byte, 1)
		_, _ = c.Conn.Read(buf)

		c.mu.Lock()
		wasMonitored := c.monitored
		c.monitored = false
		c.mu.Unlock()

		if !wasMonitored {
			// Borrow() claimed the socket and woke this read via the
			// deadline trick below; the new owner reads from here on.
			return
		}
		_ = c.Close()
	}()
}

// stopIdleMonitor hands the socket to a borrower. It interrupts the
// monitor's blocked Read via a past deadline and waits for that read to
// actually return before releasing the connection to its new owner, so
// there is never a window where both the monitor and the borrower are
// reading the same socket at once.
func (c *tunnelConn) stopIdleMonitor() {
	c.mu.Lock()
	if !c.monitored {
		c.mu.Unlock()
		return
	}
	c.monitored = false
	done := c.monitorDone
	c.mu.Unlock()

	_ = c.Conn.SetReadDeadline(time.Unix(0, 1))
	if done != nil {
		<-done
	}
	_ = c.Conn.SetReadDeadline(time.Time{})
}
