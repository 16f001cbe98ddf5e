package call

import (
	"fmt"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
)

type Role int

const (
	RoleUnknown Role = iota
	RoleCaller
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return "unknown"
	}
}

// ResolveRole matches identity against the participants of rec. Exactly one
// of them must match.
func ResolveRole(rec callrecord.Record, identity string) (Role, error) {
	isCaller := identity != "" && rec.CallerID == identity
	isCallee := identity != "" && rec.CalleeID == identity
	switch {
	case isCaller && isCallee:
		return RoleUnknown, fmt.Errorf("%w: %q is both caller and callee of %s", ErrRoleResolution, identity, rec.ID)
	case isCaller:
		return RoleCaller, nil
	case isCallee:
		return RoleCallee, nil
	default:
		return RoleUnknown, fmt.Errorf("%w: %q in %s", ErrRoleResolution, identity, rec.ID)
	}
}

type State int

const (
	StateIdle State = iota
	StateRoleResolved
	StateEngineReady
	StateCallerNegotiating
	StateCalleeNegotiating
	StateConnected
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRoleResolved:
		return "role_resolved"
	case StateEngineReady:
		return "engine_ready"
	case StateCallerNegotiating:
		return "caller_negotiating"
	case StateCalleeNegotiating:
		return "callee_negotiating"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

// Status texts passed to UI.OnConnectionStatus.
const (
	StatusConnecting   = "Connecting"
	StatusConnected    = "Connected"
	StatusReconnecting = "Reconnecting"
	StatusDisconnected = "Disconnected"
	StatusFailed       = "Connection failed"
)
