// Client Registry of Trophonius, tracks every live device connection of every recipient.

package registry

import (
	"Trophonius/pkg/log"
	"sync"
)

// Connection is the registry's view of one live device socket.
// The relay's connection type satisfies this, tests plug in fakes.
type Connection interface {
	// UserID returns the recipient identity the device authenticated as.
	UserID() string
	// DeviceID returns the device identity sent in the HELLO.
	DeviceID() string
	// Send writes one serialized notification line to the device socket.
	Send(line []byte) error
	// Close tears the connection down, running its close side effects exactly once.
	Close(reason string)
	// Supersede marks the connection as replaced by a newer one for the same
	// (user_id, device_id) pair before closing it, so it won't report a duplicate disconnect.
	Supersede()
}

// Service layer of internal package registry which encapsulates the shared client map of Trophonius.
// All operations are safe under concurrent use from many connections and the router simultaneously.
type Service interface {
	// Registers conn under (userID, deviceID), replacing atomically.
	// Returns the previous connection registered for the exact same pair, if any,
	// so the caller can force-close it.
	Register(userID, deviceID string, conn Connection) Connection
	// Removes the entry for (userID, deviceID) only if conn is still the one
	// registered there. A stale deregister is a no-op, not an error.
	Deregister(userID, deviceID string, conn Connection) bool
	// Returns a snapshot of every live connection of a recipient.
	// Entries may disappear concurrently right after, callers must tolerate that.
	LookupByRecipient(userID string) []Connection
	// Returns the live connection of a single device, if any.
	LookupByDevice(deviceID string) (Connection, bool)
	// Number of recipients with at least one live connection.
	Recipients() int
	// Number of live device connections across all recipients.
	Devices() int
}

// Object of this will be passed around from main to both listeners and the router.
// Helps to access the service layer interface and call methods.
type service struct {
	mu sync.RWMutex
	// user_id -> device_id -> connection
	clients map[string]map[string]Connection
	// device_id -> connection, kept in lockstep with clients
	devices map[string]Connection
	logger  log.Logger
}

// Helps to access the service layer interface and call methods. Service object is passed from main.
func NewService(logger log.Logger) Service {
	return &service{
		clients: make(map[string]map[string]Connection),
		devices: make(map[string]Connection),
		logger:  logger,
	}
}

func (s *service) Register(userID, deviceID string, conn Connection) Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	devs, ok := s.clients[userID]
	if !ok {
		devs = make(map[string]Connection)
		s.clients[userID] = devs
	}
	previous := devs[deviceID]
	devs[deviceID] = conn
	s.devices[deviceID] = conn

	if previous != nil {
		s.logger.Info().Msgf("Superseding previous connection of device %s owned by %s", deviceID, userID)
	}
	return previous
}

func (s *service) Deregister(userID, deviceID string, conn Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	devs, ok := s.clients[userID]
	if !ok {
		return false
	}
	// Guard against deregistering a connection which was already superseded.
	if devs[deviceID] != conn {
		return false
	}
	delete(devs, deviceID)
	if len(devs) == 0 {
		delete(s.clients, userID)
	}
	if s.devices[deviceID] == conn {
		delete(s.devices, deviceID)
	}
	return true
}

func (s *service) LookupByRecipient(userID string) []Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devs, ok := s.clients[userID]
	if !ok {
		return nil
	}
	// Snapshot under lock, the caller writes to sockets outside of it.
	snapshot := make([]Connection, 0, len(devs))
	for _, conn := range devs {
		snapshot = append(snapshot, conn)
	}
	return snapshot
}

func (s *service) LookupByDevice(deviceID string) (Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.devices[deviceID]
	return conn, ok
}

func (s *service) Recipients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *service) Devices() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}
