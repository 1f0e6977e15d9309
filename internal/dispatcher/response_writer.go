package dispatcher

import (
	"fmt"
	"net"
	"net/http"
)

// connResponseWriter is a minimal http.ResponseWriter that writes directly
// onto a raw net.Conn. The Dispatcher owns its public listener end to end
// (rather than running net/http.Server on it) so that upgrade requests can
// be spliced with their original byte-for-byte header casing and ordering
// preserved; this adapter lets the same raw-conn loop still delegate
// ordinary, non-tunnel requests to a standard http.Handler.
type connResponseWriter struct {
	conn        net.Conn
	header      http.Header
	wroteHeader bool
	statusCode  int
}

func newConnResponseWriter(conn net.Conn) *connResponseWriter {
	return &connResponseWriter{conn: conn, header: make(http.Header)}
}

func (w *connResponseWriter) Header() http.Header {
	return w.header
}

func (w *connResponseWriter) WriteHeader(statusCode int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.statusCode = statusCode

	fmt.Fprintf(w.conn, "HTTP/1.1 %d %s\r\n", statusCode, http.StatusText(statusCode))
	if w.header.Get("Content-Length") == "" && w.header.Get("Transfer-Encoding") == "" {
		w.header.Set("Connection", "close")
	}
	_ = w.header.Write(w.conn)
	_, _ = w.conn.Write([]byte("\r\n"))
}

func (w *connResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.conn.Write(p)
}
