package meter

// ConnectionState is the acquisition lifecycle state. Only the daemon
// changes it.
type ConnectionState string

const (
	StateDisconnected  ConnectionState = "disconnected"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateDisconnecting ConnectionState = "disconnecting"
)

func (s ConnectionState) String() string {
	return string(s)
}

// IsValid reports whether s is one of the known states.
func (s ConnectionState) IsValid() bool {
	switch s {
	case StateDisconnected, StateConnecting, StateConnected, StateDisconnecting:
		return true
	default:
		return false
	}
}

// Device is a discovered device address, as returned by a scan.
type Device struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}
