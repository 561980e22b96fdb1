package test

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// LineConn wraps a raw TCP connection of the line-delimited protocols so
// tests read and write whole protocol lines.
type LineConn struct {
	Conn    net.Conn
	scanner *bufio.Scanner
}

// Helper to dial one of Trophonius's listeners during tests.
func DialLine(t *testing.T, addr string) *LineConn {
	t.Helper()
	conn, dialerr := net.Dial("tcp", addr)
	require.NoError(t, dialerr, "Error occured during dialing %s", addr)
	t.Cleanup(func() { conn.Close() })
	return &LineConn{Conn: conn, scanner: bufio.NewScanner(conn)}
}

// Helper to wrap an already established connection (ex: one half of a net.Pipe).
func NewLineConn(conn net.Conn) *LineConn {
	return &LineConn{Conn: conn, scanner: bufio.NewScanner(conn)}
}

// WriteLine sends one protocol line, the trailing newline is added here.
func (lc *LineConn) WriteLine(t *testing.T, line string) {
	t.Helper()
	lc.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, senderr := lc.Conn.Write([]byte(line + "\n"))
	require.NoError(t, senderr, "Error occured during writing a protocol line")
}

// ReadLine blocks for the next protocol line, failing the test after the deadline.
func (lc *LineConn) ReadLine(t *testing.T) string {
	t.Helper()
	lc.Conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.True(t, lc.scanner.Scan(), "Expected a protocol line, got none: %v", lc.scanner.Err())
	return lc.scanner.Text()
}

// AssertNoLine asserts that nothing arrives on the connection within wait.
func (lc *LineConn) AssertNoLine(t *testing.T, wait time.Duration) {
	t.Helper()
	lc.Conn.SetReadDeadline(time.Now().Add(wait))
	got := lc.scanner.Scan()
	assert.False(t, got, "Expected no protocol line, got: %s", lc.scanner.Text())
}
