// Device connection state machine tests in Trophonius.

package relay

import (
	"Trophonius/internal/entity"
	"Trophonius/internal/errors"
	"Trophonius/internal/metrics"
	"Trophonius/internal/registry"
	"Trophonius/internal/test"
	"Trophonius/pkg/log"
	"Trophonius/pkg/validations"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Global instance of log.Logger to be used during connection testing.
var logger log.Logger

// Global context
var ctx context.Context = context.Background()

func TestMain(m *testing.M) {
	logger = log.New("test")
	// The HELLO entity leans on the custom nospace validation.
	validations.RegisterCustomValidations(ctx, logger)
	os.Exit(m.Run())
}

// Stand-in for the Directory Service collaborator. authGate, when set, stalls
// Authenticate until the test releases it.
type fakeDirectory struct {
	mu          sync.Mutex
	tokens      map[string]string
	authErr     error
	authGate    chan struct{}
	connects    []string
	disconnects []string
}

func (f *fakeDirectory) Authenticate(ctx context.Context, logger log.Logger, token string) (string, error) {
	if f.authGate != nil {
		<-f.authGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authErr != nil {
		return "", f.authErr
	}
	userID, ok := f.tokens[token]
	if !ok {
		return "", errors.Forbidden("Directory error: handshake failed")
	}
	return userID, nil
}

func (f *fakeDirectory) ReportConnect(ctx context.Context, logger log.Logger, userID, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, userID+"/"+deviceID)
	return nil
}

func (f *fakeDirectory) ReportDisconnect(ctx context.Context, logger log.Logger, userID, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, userID+"/"+deviceID)
	return nil
}

func (f *fakeDirectory) RecordDispatch(ctx context.Context, logger log.Logger, req entity.FanoutRequest) error {
	return nil
}

func (f *fakeDirectory) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func (f *fakeDirectory) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnects)
}

// Everything one connection test needs: the server-side Connection, the
// client's half of the pipe and the mocked clock driving the watchdog.
type connRig struct {
	conn   *Connection
	client *test.LineConn
	clk    *clock.Mock
	done   chan struct{}
}

func startConnection(t *testing.T, dir *fakeDirectory, reg registry.Service) *connRig {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})

	clk := clock.NewMock()
	conn := newConnection(serverSide, newWatchdog(clk), DefaultConnectTimeout, DefaultPingDeadline,
		reg, dir, metrics.NewService(), logger)

	done := make(chan struct{})
	go func() {
		conn.serve(ctx)
		close(done)
	}()
	// Give serve a moment to arm the connect watchdog before tests touch the clock.
	time.Sleep(50 * time.Millisecond)

	return &connRig{
		conn:   conn,
		client: test.NewLineConn(clientSide),
		clk:    clk,
		done:   done,
	}
}

func (r *connRig) hello(t *testing.T, token, deviceID, userID string) entity.ClientAck {
	t.Helper()
	raw, marsherr := json.Marshal(entity.Hello{Token: token, DeviceID: deviceID, UserID: userID})
	require.NoError(t, marsherr)
	r.client.WriteLine(t, string(raw))
	return r.readAck(t)
}

func (r *connRig) ping(t *testing.T) {
	t.Helper()
	r.client.WriteLine(t, entity.PingToken)
	require.Equal(t, entity.PongToken, r.client.ReadLine(t))
	// The keep-alive reset runs after the PONG write, give it a moment before
	// the test drives the mocked clock again.
	time.Sleep(50 * time.Millisecond)
}

func (r *connRig) readAck(t *testing.T) entity.ClientAck {
	t.Helper()
	var ack entity.ClientAck
	require.NoError(t, json.Unmarshal([]byte(r.client.ReadLine(t)), &ack))
	return ack
}

func (r *connRig) assertServeDone(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection serve loop didn't exit")
	}
}

func TestHelloRegistersDevice(t *testing.T) {
	dir := &fakeDirectory{tokens: map[string]string{"t1": "u1"}}
	reg := registry.NewService(logger)
	r := startConnection(t, dir, reg)

	ack := r.hello(t, "t1", "d1", "u1")
	assert.Equal(t, entity.NotificationTypeOK, ack.NotificationType)
	assert.Equal(t, errors.StatusOK, ack.ResponseCode)
	assert.Equal(t, "OK", ack.ResponseDetails)

	conn, ok := reg.LookupByDevice("d1")
	require.True(t, ok)
	assert.Equal(t, "u1", conn.UserID())
	assert.Equal(t, 1, dir.connectCount())
}

func TestHelloMalformedPayload(t *testing.T) {
	dir := &fakeDirectory{tokens: map[string]string{"t1": "u1"}}
	reg := registry.NewService(logger)
	r := startConnection(t, dir, reg)

	r.client.WriteLine(t, "definitely-not-json")
	ack := r.readAck(t)
	assert.Equal(t, entity.NotificationTypeError, ack.NotificationType)
	assert.Equal(t, errors.StatusBadRequest, ack.ResponseCode)

	r.assertServeDone(t)
	assert.Equal(t, 0, reg.Devices())
	assert.Equal(t, 0, dir.connectCount())
}

func TestHelloMissingFields(t *testing.T) {
	dir := &fakeDirectory{tokens: map[string]string{"t1": "u1"}}
	reg := registry.NewService(logger)
	r := startConnection(t, dir, reg)

	r.client.WriteLine(t, `{"token":"t1"}`)
	ack := r.readAck(t)
	assert.Equal(t, entity.NotificationTypeError, ack.NotificationType)
	assert.Equal(t, errors.StatusBadRequest, ack.ResponseCode)
	// The ack names every field that failed validation.
	assert.Contains(t, ack.ResponseDetails, "Data validation error")
	assert.Contains(t, ack.ResponseDetails, "device_id")
	assert.Contains(t, ack.ResponseDetails, "user_id")

	r.assertServeDone(t)
	assert.Equal(t, 0, reg.Devices())
}

func TestHelloUnclassifiedDirectoryErrorIsUnknown(t *testing.T) {
	dir := &fakeDirectory{authErr: fmt.Errorf("wires crossed")}
	reg := registry.NewService(logger)
	r := startConnection(t, dir, reg)

	ack := r.hello(t, "t1", "d1", "u1")
	assert.Equal(t, entity.NotificationTypeError, ack.NotificationType)
	assert.Equal(t, errors.StatusUnknown, ack.ResponseCode)
	assert.Contains(t, ack.ResponseDetails, "unknown_error")

	r.assertServeDone(t)
	assert.Equal(t, 0, reg.Devices())
}

func TestHelloRejectedToken(t *testing.T) {
	dir := &fakeDirectory{tokens: map[string]string{}}
	reg := registry.NewService(logger)
	r := startConnection(t, dir, reg)

	ack := r.hello(t, "bad-token", "d1", "u1")
	assert.Equal(t, entity.NotificationTypeError, ack.NotificationType)
	assert.Equal(t, errors.StatusForbidden, ack.ResponseCode)
	assert.Contains(t, ack.ResponseDetails, "Directory error")

	r.assertServeDone(t)
	assert.Equal(t, 0, reg.Devices())
	assert.Equal(t, 0, dir.disconnectCount())
}

func TestHelloFailsClosedWhenDirectoryIsDown(t *testing.T) {
	dir := &fakeDirectory{authErr: errors.InternalServerError("")}
	reg := registry.NewService(logger)
	r := startConnection(t, dir, reg)

	ack := r.hello(t, "t1", "d1", "u1")
	assert.Equal(t, entity.NotificationTypeError, ack.NotificationType)
	assert.Equal(t, errors.StatusInternalServer, ack.ResponseCode)

	r.assertServeDone(t)
	assert.Equal(t, 0, reg.Devices())
}

func TestConnectTimeoutDuringHelloLeavesNoRegistration(t *testing.T) {
	gate := make(chan struct{})
	dir := &fakeDirectory{tokens: map[string]string{"t1": "u1"}, authGate: gate}
	reg := registry.NewService(logger)
	r := startConnection(t, dir, reg)

	// The HELLO arrives in time but the Directory round-trip stalls long
	// enough for the connect watchdog to fire mid-handshake.
	r.client.WriteLine(t, `{"token":"t1","device_id":"d1","user_id":"u1"}`)
	time.Sleep(50 * time.Millisecond)
	r.clk.Add(DefaultConnectTimeout)
	close(gate)

	r.assertServeDone(t)
	// The late-finishing handshake must not leave the closed connection behind.
	assert.Equal(t, 0, reg.Devices())
	_, ok := reg.LookupByDevice("d1")
	assert.False(t, ok)
	// Directory bookkeeping stays balanced: one connect, one disconnect.
	assert.Equal(t, 1, dir.connectCount())
	assert.Equal(t, 1, dir.disconnectCount())
}

func TestConnectTimeoutClosesSilentConnections(t *testing.T) {
	dir := &fakeDirectory{tokens: map[string]string{"t1": "u1"}}
	reg := registry.NewService(logger)
	r := startConnection(t, dir, reg)

	// No HELLO within the connect window, the watchdog cuts the device off.
	r.clk.Add(DefaultConnectTimeout)

	r.assertServeDone(t)
	assert.Equal(t, 0, reg.Devices())
	// Pre-auth connections are neither registered nor reported.
	assert.Equal(t, 0, dir.connectCount())
	assert.Equal(t, 0, dir.disconnectCount())
}

func TestPingPongResetsKeepAlive(t *testing.T) {
	dir := &fakeDirectory{tokens: map[string]string{"t1": "u1"}}
	reg := registry.NewService(logger)
	r := startConnection(t, dir, reg)
	r.hello(t, "t1", "d1", "u1")

	// A ping just before the deadline keeps the connection alive.
	r.clk.Add(DefaultPingDeadline - time.Second)
	r.ping(t)

	// And again, proving the deadline got pushed out by the last ping.
	r.clk.Add(DefaultPingDeadline - time.Second)
	r.ping(t)

	_, ok := reg.LookupByDevice("d1")
	assert.True(t, ok)
}

func TestPingTimeoutClosesAndReportsOnce(t *testing.T) {
	dir := &fakeDirectory{tokens: map[string]string{"t1": "u1"}}
	reg := registry.NewService(logger)
	r := startConnection(t, dir, reg)
	r.hello(t, "t1", "d1", "u1")

	// Silence past the keep-alive deadline, the watchdog closes the connection.
	r.clk.Add(DefaultPingDeadline)

	r.assertServeDone(t)
	assert.Equal(t, 0, reg.Devices())
	assert.Equal(t, 1, dir.disconnectCount())
}

func TestUnrecognizedLinesInActiveAreIgnored(t *testing.T) {
	dir := &fakeDirectory{tokens: map[string]string{"t1": "u1"}}
	reg := registry.NewService(logger)
	r := startConnection(t, dir, reg)
	r.hello(t, "t1", "d1", "u1")

	// Noise is dropped, the connection still answers pings.
	r.client.WriteLine(t, `{"notification_type":999}`)
	r.ping(t)
}

func TestSupersedeReportsNoDuplicateDisconnect(t *testing.T) {
	dir := &fakeDirectory{tokens: map[string]string{"t1": "u1"}}
	reg := registry.NewService(logger)

	first := startConnection(t, dir, reg)
	first.hello(t, "t1", "d1", "u1")

	// Same (user, device) pair says HELLO again, the old connection must go.
	second := startConnection(t, dir, reg)
	second.hello(t, "t1", "d1", "u1")

	first.assertServeDone(t)
	assert.Equal(t, 1, reg.Devices())
	conn, ok := reg.LookupByDevice("d1")
	require.True(t, ok)
	assert.Same(t, second.conn, conn.(*Connection))

	// The superseded close must not have reported a disconnect.
	assert.Equal(t, 2, dir.connectCount())
	assert.Equal(t, 0, dir.disconnectCount())

	// A real close of the replacement reports exactly one.
	second.conn.Close("test over")
	assert.Equal(t, 1, dir.disconnectCount())
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := &fakeDirectory{tokens: map[string]string{"t1": "u1"}}
	reg := registry.NewService(logger)
	r := startConnection(t, dir, reg)
	r.hello(t, "t1", "d1", "u1")

	r.conn.Close("first")
	r.conn.Close("second")
	r.assertServeDone(t)

	assert.Equal(t, 0, reg.Devices())
	assert.Equal(t, 1, dir.disconnectCount())
}

func TestSendAfterCloseFails(t *testing.T) {
	dir := &fakeDirectory{tokens: map[string]string{"t1": "u1"}}
	reg := registry.NewService(logger)
	r := startConnection(t, dir, reg)
	r.hello(t, "t1", "d1", "u1")

	r.conn.Close("gone")
	assert.Error(t, r.conn.Send([]byte(`{}`)))
}
