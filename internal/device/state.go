package device

// State is the connection state of a device session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateArbitrating
	StateReady
	StateReconnecting
)

func (m State) String() string {
	switch m {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateArbitrating:
		return "ARBITRATING"
	case StateReady:
		return "READY"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Role is the arbitration outcome for a session. Only a primary session
// may issue writes; a backup session is restricted to reads.
type Role int32

const (
	RoleNone Role = iota
	RolePrimary
	RoleBackup
)

func (m Role) String() string {
	switch m {
	case RolePrimary:
		return "PRIMARY"
	case RoleBackup:
		return "BACKUP"
	default:
		return "NONE"
	}
}
