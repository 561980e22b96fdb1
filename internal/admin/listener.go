// Service layer of internal package admin, the backend-facing TCP listener of Trophonius.

package admin

import (
	"Trophonius/internal/entity"
	"Trophonius/internal/errors"
	"Trophonius/internal/router"
	"Trophonius/pkg/log"
	"bufio"
	"context"
	"encoding/json"
	goerrors "errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Upper bound for one fan-out line coming off the admin channel.
const maxLineBytes = 1024 * 1024

// Service layer of internal package admin which feeds the Notification Router.
// The backend keeps a long-lived connection (or a small pool of them) and
// writes one complete fan-out request per line.
type Service interface {
	// Serve starts accepting admin connections, blocks until the listener fails
	// or Shutdown is called.
	Serve(ctx context.Context) error
	// Shutdown closes the listener and every open admin connection.
	Shutdown(ctx context.Context) error
	// Addr returns the address the listener is bound to, handy when listening on port 0.
	Addr() string
}

// Object of this will be passed around from main.
// Helps to access the service layer interface and call methods.
type service struct {
	addr   string
	router router.Service
	logger log.Logger

	mu    sync.Mutex
	ln    net.Listener
	socks map[net.Conn]struct{}
	wg    sync.WaitGroup

	shuttingDown int32
}

// Helps to access the service layer interface and call methods. Service object is passed from main.
func NewService(addr string, rtr router.Service, logger log.Logger) Service {
	return &service{
		addr:   addr,
		router: rtr,
		logger: logger,
		socks:  make(map[net.Conn]struct{}),
	}
}

func (s *service) Serve(ctx context.Context) error {
	ln, lnerr := net.Listen("tcp", s.addr)
	if lnerr != nil {
		s.logger.Error().Err(lnerr).Msgf("Couldn't listen for admin connections on %s", s.addr)
		return lnerr
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info().Msgf("Accepting admin connections on %s", ln.Addr())

	for {
		sock, accerr := ln.Accept()
		if accerr != nil {
			if atomic.LoadInt32(&s.shuttingDown) == 1 {
				return nil
			}
			s.logger.Error().Err(accerr).Msg("Error occured during Accept in the admin listener")
			return accerr
		}

		s.mu.Lock()
		s.socks[sock] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveAdmin(ctx, sock)
			s.mu.Lock()
			delete(s.socks, sock)
			s.mu.Unlock()
		}()
	}
}

// serveAdmin reads fan-out requests line by line off one admin connection.
// Malformed requests get a 400 ack on the same connection without closing it,
// only a framing-level failure (oversized line, dead socket) ends the loop.
func (s *service) serveAdmin(ctx context.Context, sock net.Conn) {
	s.logger.Info().Msgf("New admin connection from %s", sock.RemoteAddr())
	defer sock.Close()

	scanner := bufio.NewScanner(sock)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		if len(strings.TrimSpace(scanner.Text())) == 0 {
			continue
		}
		// Every fan-out request gets its own ReqID for log correlation.
		reqCtx := context.WithValue(ctx, "ReqID", uuid.NewString())

		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())

		s.handleFanout(reqCtx, sock, line)
	}
	if scanerr := scanner.Err(); scanerr != nil {
		s.logger.Warn().Err(scanerr).Msgf("Framing error on admin connection from %s", sock.RemoteAddr())
	}
	s.logger.Info().Msgf("Admin connection from %s closed", sock.RemoteAddr())
}

// Shape of an inbound admin line. "to" takes a single recipient id or an
// array of them, everything else in the object is opaque payload which gets
// relayed verbatim to the resolved devices.
type fanoutEnvelope struct {
	To        json.RawMessage `json:"to"`
	DeviceIDs []string        `json:"device_ids"`
	Store     bool            `json:"store"`
}

func (s *service) handleFanout(ctx context.Context, sock net.Conn, line []byte) {
	var envelope fanoutEnvelope
	if jsonerr := json.Unmarshal(line, &envelope); jsonerr != nil {
		s.logger.WithCtx(ctx).Warn().Err(jsonerr).Msg("Malformed fan-out request on the admin channel")
		s.sendAck(ctx, sock, errors.StatusBadRequest, "malformed fan-out request")
		return
	}

	recipients, recerr := decodeRecipients(envelope.To)
	if recerr != nil {
		s.logger.WithCtx(ctx).Warn().Err(recerr).Msg("Bad \"to\" field in fan-out request")
		s.sendAck(ctx, sock, errors.StatusBadRequest, recerr.Error())
		return
	}

	req := entity.FanoutRequest{
		To:        recipients,
		DeviceIDs: envelope.DeviceIDs,
		Store:     envelope.Store,
		Payload:   line,
	}
	_, disperr := s.router.Dispatch(ctx, req)
	if disperr != nil {
		// Errors nobody classified get the 666 treatment.
		var resp errors.ErrorResponse
		if !goerrors.As(disperr, &resp) {
			resp = errors.Unknown(disperr.Error())
		}
		s.sendAck(ctx, sock, resp.StatusCode(), resp.Error())
		return
	}
	s.sendAck(ctx, sock, errors.StatusAccepted, "message enqueued")
}

// decodeRecipients accepts both of the backend's spellings for "to":
// a plain recipient id string or an array of them.
func decodeRecipients(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	return nil, errors.BadRequest("\"to\" must be a recipient id or an array of them")
}

// sendAck writes a structured response line back on the admin connection.
func (s *service) sendAck(ctx context.Context, sock net.Conn, code int, msg string) {
	ack := entity.AdminAck{
		ResponseCode:    code,
		ResponseDetails: errors.ResponseDetails(code, msg),
	}
	raw, marsherr := json.Marshal(ack)
	if marsherr != nil {
		s.logger.WithCtx(ctx).Error().Err(marsherr).Msg("Error occured during marshalling admin ack")
		return
	}
	raw = append(raw, '\n')
	if _, senderr := sock.Write(raw); senderr != nil {
		s.logger.WithCtx(ctx).Warn().Err(senderr).Msg("Couldn't write ack on the admin connection")
	}
}

func (s *service) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shuttingDown, 1)

	s.mu.Lock()
	ln := s.ln
	open := make([]net.Conn, 0, len(s.socks))
	for sock := range s.socks {
		open = append(open, sock)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, sock := range open {
		sock.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}
