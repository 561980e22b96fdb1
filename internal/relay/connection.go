// Connection state machine of a single device socket in Trophonius.

package relay

import (
	"Trophonius/internal/directory"
	"Trophonius/internal/entity"
	"Trophonius/internal/errors"
	"Trophonius/internal/metrics"
	"Trophonius/internal/registry"
	"Trophonius/pkg/log"
	"bufio"
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/rs/xid"
)

// States a device connection moves through.
// Every connection starts in AwaitingHello and ends in Closed, Active is
// only reached after the Directory Service accepted the HELLO token.
const (
	stateAwaitingHello = iota
	stateActive
	stateClosed
)

// Timing contract of the client protocol.
const (
	// How long a fresh connection gets to send a valid HELLO.
	DefaultConnectTimeout = 30 * time.Second
	// How long an Active connection gets between PINGs.
	DefaultPingDeadline = 11 * time.Second
)

// Upper bound for one protocol line, anything bigger is a framing violation.
const maxLineBytes = 256 * 1024

// How long a single notification write may block on a slow device socket.
const writeTimeout = 10 * time.Second

// Connection owns exactly one device socket plus the watchdog timer attached to it.
// Its lifetime is owned by the listener which accepted it, the Client Registry
// only ever holds a non-owning reference.
type Connection struct {
	id        string
	sock      net.Conn
	registry  registry.Service
	directory directory.Repository
	metrics   metrics.Service
	logger    log.Logger

	watchdog       *watchdog
	connectTimeout time.Duration
	pingDeadline   time.Duration

	// guards state and the identity recorded by the HELLO
	mu       sync.Mutex
	state    int
	userID   string
	deviceID string

	// serializes writes to the socket, the router and the ping loop both write
	writeMu sync.Mutex

	closed     int32 // checked-and-set once, makes Close idempotent
	superseded int32 // set if a newer connection took over the same (user_id, device_id)
	wentActive int32 // set once the HELLO went through, gates disconnect bookkeeping
}

func newConnection(sock net.Conn, wd *watchdog, connectTimeout, pingDeadline time.Duration, reg registry.Service, dir directory.Repository, mtr metrics.Service, logger log.Logger) *Connection {
	return &Connection{
		id:             xid.New().String(),
		sock:           sock,
		registry:       reg,
		directory:      dir,
		metrics:        mtr,
		logger:         logger,
		watchdog:       wd,
		connectTimeout: connectTimeout,
		pingDeadline:   pingDeadline,
		state:          stateAwaitingHello,
	}
}

// UserID returns the recipient identity the device authenticated as, empty before that.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// DeviceID returns the device identity sent in the HELLO, empty before that.
func (c *Connection) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// serve reads protocol lines off the socket until it dies, dispatching on the current state.
// Runs in the goroutine the listener dedicated to this connection.
func (c *Connection) serve(ctx context.Context) {
	c.logger.Info().Msgf("New connection %s from %s", c.id, c.sock.RemoteAddr())
	c.metrics.ConnectionOpened()

	// A device gets a bounded window to say HELLO before it's cut off.
	c.watchdog.Arm(c.connectTimeout, func() {
		c.logger.Warn().Msgf("Connection %s didn't send a valid HELLO within %s", c.id, c.connectTimeout)
		c.Close("connect timeout")
	})

	scanner := bufio.NewScanner(c.sock)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if len(strings.TrimSpace(line)) == 0 {
			continue
		}
		switch c.currentState() {
		case stateAwaitingHello:
			c.handleHello(ctx, line)
		case stateActive:
			c.handleActive(line)
		case stateClosed:
			return
		}
	}
	c.Close("connection lost")
}

func (c *Connection) currentState() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// handleHello processes the first message of the device:
// {"token": <token>, "device_id": <device_id>, "user_id": <user_id>}
// Any violation replies a structured error ack and closes the connection.
func (c *Connection) handleHello(ctx context.Context, line string) {
	var hello entity.Hello
	if jsonerr := json.Unmarshal([]byte(line), &hello); jsonerr != nil {
		c.sendAck(entity.NotificationTypeError, errors.StatusBadRequest, "malformed HELLO payload")
		c.Close("bad HELLO")
		return
	}
	if _, valerr := govalidator.ValidateStruct(hello); valerr != nil {
		detail := valerr.Error()
		if verrs, ok := valerr.(govalidator.Errors); ok {
			resp := errors.GenerateValidationErrorResponse(verrs.Errors())
			if raw, marsherr := json.Marshal(resp.Details); marsherr == nil {
				detail = fmt.Sprintf("%s %s", resp.Message, raw)
			}
		}
		c.sendAck(entity.NotificationTypeError, errors.StatusBadRequest, detail)
		c.Close("bad HELLO")
		return
	}

	// Authentication, the token stays opaque to the relay.
	userID, autherr := c.directory.Authenticate(ctx, c.logger, hello.Token)
	if autherr != nil {
		// Errors nobody classified get the 666 treatment.
		var resp errors.ErrorResponse
		if !goerrors.As(autherr, &resp) {
			resp = errors.Unknown(autherr.Error())
		}
		c.sendAck(entity.NotificationTypeError, resp.StatusCode(), resp.Error())
		c.Close("authentication failed")
		return
	}
	// The Directory Service is the source of truth for the recipient identity.
	if hello.UserID != userID {
		c.logger.Debug().Msgf("Connection %s claimed user %s but Directory resolved %s", c.id, hello.UserID, userID)
	}

	c.mu.Lock()
	c.userID = userID
	c.deviceID = hello.DeviceID
	c.mu.Unlock()

	if conerr := c.directory.ReportConnect(ctx, c.logger, userID, hello.DeviceID); conerr != nil {
		// Best-effort, a failed report never blocks accepting the device.
		c.logger.Warn().Err(conerr).Msgf("Couldn't report connect of device %s owned by %s", hello.DeviceID, userID)
	}

	// Commit of the handshake is serialized against Close: the connect watchdog
	// can fire during the Directory round-trip, and that Close sees wentActive
	// unset and undoes nothing, so registering past it would leave a dead
	// connection in the registry forever.
	c.mu.Lock()
	if atomic.LoadInt32(&c.closed) == 1 {
		c.mu.Unlock()
		c.logger.Warn().Msgf("Connection %s closed during the HELLO round-trip, dropping it", c.id)
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if discerr := c.directory.ReportDisconnect(dctx, c.logger, userID, hello.DeviceID); discerr != nil {
			c.logger.Warn().Err(discerr).Msgf("Couldn't report disconnect of device %s owned by %s", hello.DeviceID, userID)
		}
		return
	}
	atomic.StoreInt32(&c.wentActive, 1)
	previous := c.registry.Register(userID, hello.DeviceID, c)
	c.state = stateActive
	c.mu.Unlock()

	if previous != nil {
		previous.Supersede()
	}

	// Swap the connect timer for the recurring keep-alive deadline.
	c.watchdog.Arm(c.pingDeadline, func() {
		c.logger.Warn().Msgf("Connection %s didn't send a PING within %s", c.id, c.pingDeadline)
		c.Close("ping timeout")
	})

	c.sendAck(entity.NotificationTypeOK, errors.StatusOK, "")
	c.logger.Info().Msgf("Connection %s authenticated as user %s device %s", c.id, userID, hello.DeviceID)
}

// handleActive processes lines arriving once the device is authenticated.
// Only the literal PING token means anything here, the rest is noise.
func (c *Connection) handleActive(line string) {
	if line == entity.PingToken {
		c.handlePing()
		return
	}
	c.logger.Debug().Msgf("Connection %s sent an unrecognized line in Active state, ignoring", c.id)
}

// handlePing replies PONG and pushes the keep-alive deadline out.
func (c *Connection) handlePing() {
	c.logger.Debug().Msgf("Connection %s sent a PING", c.id)
	if senderr := c.writeLine([]byte(entity.PongToken)); senderr != nil {
		c.Close("write failed")
		return
	}
	c.watchdog.Reset(c.pingDeadline)
}

// Send writes one serialized notification line to the device socket.
// Called by the Notification Router, a failure here is the caller's cue to close us.
func (c *Connection) Send(line []byte) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return errors.New("connection closed")
	}
	return c.writeLine(line)
}

func (c *Connection) writeLine(line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// A stuck device socket must never block a dispatch forever.
	c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := c.sock.Write(buf)
	return err
}

// sendAck writes a structured response line to the device.
func (c *Connection) sendAck(notificationType, code int, msg string) {
	ack := entity.ClientAck{
		NotificationType: notificationType,
		ResponseCode:     code,
		ResponseDetails:  errors.ResponseDetails(code, msg),
	}
	raw, marsherr := json.Marshal(ack)
	if marsherr != nil {
		c.logger.Error().Err(marsherr).Msgf("Error occured during marshalling ack for connection %s", c.id)
		return
	}
	if senderr := c.writeLine(raw); senderr != nil {
		c.logger.Warn().Err(senderr).Msgf("Couldn't write ack to connection %s", c.id)
	}
}

// Supersede marks the connection as replaced before closing it, suppressing
// the disconnect report. The replacing connection already re-reported the
// device, a disconnect report now would wrongly mark it offline.
func (c *Connection) Supersede() {
	atomic.StoreInt32(&c.superseded, 1)
	c.Close("superseded")
}

// Close runs the close side effects exactly once, no matter how many times it
// fires or from which goroutine (reader, watchdog, router, supersede).
func (c *Connection) Close(reason string) {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	c.watchdog.Stop()
	c.sock.Close()

	c.mu.Lock()
	userID, deviceID := c.userID, c.deviceID
	c.state = stateClosed
	c.mu.Unlock()

	c.metrics.ConnectionClosed()
	c.logger.Info().Msgf("Connection %s from %s closed: %s", c.id, c.sock.RemoteAddr(), reason)

	// Pre-auth connections were never registered nor reported, nothing to undo.
	if atomic.LoadInt32(&c.wentActive) == 0 {
		return
	}

	// Stale deregisters (we got superseded first) are a no-op inside the registry.
	c.registry.Deregister(userID, deviceID, c)

	if atomic.LoadInt32(&c.superseded) == 1 {
		return
	}
	// Fire-and-forget, the Directory Service owns any retry policy.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if discerr := c.directory.ReportDisconnect(ctx, c.logger, userID, deviceID); discerr != nil {
		c.logger.Warn().Err(discerr).Msgf("Couldn't report disconnect of device %s owned by %s", deviceID, userID)
	}
}
