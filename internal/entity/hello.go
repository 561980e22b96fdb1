// Structure of the HELLO handshake Model in Trophonius.

package entity

// First line a device has to send after opening its socket.
// Token is opaque here, only the Directory Service can judge it.
type Hello struct {
	Token    string `json:"token" valid:"required,type(string),nospace~token:No spaces allowed here"`
	DeviceID string `json:"device_id" valid:"required,type(string),nospace~device_id:No spaces allowed here"`
	UserID   string `json:"user_id" valid:"required,type(string),nospace~user_id:No spaces allowed here"`
}

// Literal keep-alive tokens exchanged once a device is past its HELLO.
const (
	PingToken = "PING"
	PongToken = "PONG"
)
