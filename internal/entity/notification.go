// Structure of the Notification Models relayed by Trophonius.

package entity

import (
	"encoding/json"
	"sync"
	"time"
)

// Every notification carries a notification_type tag.
// Trophonius never interprets the domain kinds below, they only tag
// the payloads the backend pushes through the relay.
const (
	NotificationTypeNewSwagger           = 1
	NotificationTypeDeletedSwagger       = 2
	NotificationTypeUserStatus           = 8
	NotificationTypePeerConnectionUpdate = 11
	NotificationTypeConfiguration        = 13
	NotificationTypeLinkUpdate           = 23
	NotificationTypeMessage              = 217

	// Relay-level kinds spoken by Trophonius itself.
	NotificationTypeOK    = 200
	NotificationTypePing  = 208
	NotificationTypeError = -666
)

// Ack sent to a device in response to its HELLO, or on protocol errors.
// Error acks are tagged with NotificationTypeError, success acks with NotificationTypeOK.
type ClientAck struct {
	NotificationType int    `json:"notification_type"`
	ResponseCode     int    `json:"response_code"`
	ResponseDetails  string `json:"response_details,omitempty"`
}

// Ack written back on the admin channel for every fan-out line received.
type AdminAck struct {
	ResponseCode    int    `json:"response_code"`
	ResponseDetails string `json:"response_details"`
}

// One fan-out order from the Admin Channel: deliver Payload to every live
// device of the recipients in To, plus the devices in DeviceIDs directly.
// Store is forwarded opaquely to the Directory Service which decides whether
// the notification should be durably recorded for offline devices.
type FanoutRequest struct {
	To        []string `json:"to" valid:"-"`
	DeviceIDs []string `json:"device_ids" valid:"-"`
	Store     bool     `json:"store" valid:"-"`
	// Raw JSON object forwarded verbatim, one line per connection.
	Payload []byte `json:"-" valid:"-"`
}

// Guards lastStamp below.
var stampMu sync.Mutex

// Last timestamp handed out by NewNotification, in float seconds.
var lastStamp float64

// Builds a notification payload out of a kind tag and an opaque body.
// Stamps a monotonically non-decreasing timestamp the way the backend
// notifier does, so ordering survives clock hiccups.
func NewNotification(notificationType int, body map[string]interface{}) ([]byte, error) {
	msg := make(map[string]interface{}, len(body)+2)
	for k, v := range body {
		msg[k] = v
	}
	msg["notification_type"] = notificationType

	stampMu.Lock()
	stamp := float64(time.Now().UnixNano()) / float64(time.Second)
	if stamp <= lastStamp {
		// One microsecond: small enough to stay honest, large enough to
		// survive float64 resolution at epoch magnitude.
		stamp = lastStamp + 1e-6
	}
	lastStamp = stamp
	stampMu.Unlock()
	msg["timestamp"] = stamp

	return json.Marshal(msg)
}
