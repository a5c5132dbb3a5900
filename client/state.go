package client

import "fmt"

// ConnectionState is the transport's view: whether a socket is open. It says
// nothing about whether the gateway accepted us.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

type AuthState int

const (
	AuthDisconnected AuthState = iota
	AuthWaitingForChallenge
	AuthConnectSent
	AuthAuthenticated
)

func (s AuthState) String() string {
	switch s {
	case AuthDisconnected:
		return "disconnected"
	case AuthWaitingForChallenge:
		return "waiting_for_challenge"
	case AuthConnectSent:
		return "connect_sent"
	case AuthAuthenticated:
		return "authenticated"
	}
	return fmt.Sprintf("AuthState(%d)", int(s))
}

// State is the client's joint connection and authentication state. Keeping
// one value rules out combinations like authenticated-but-disconnected.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingChallenge
	StateConnectSent
	StateAuthenticated
)

func (s State) Connection() ConnectionState {
	switch s {
	case StateDisconnected:
		return Disconnected
	case StateConnecting:
		return Connecting
	default:
		return Connected
	}
}

func (s State) Auth() AuthState {
	switch s {
	case StateAwaitingChallenge:
		return AuthWaitingForChallenge
	case StateConnectSent:
		return AuthConnectSent
	case StateAuthenticated:
		return AuthAuthenticated
	default:
		return AuthDisconnected
	}
}

// Ready reports whether application traffic may be sent.
func (s State) Ready() bool { return s == StateAuthenticated }

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateConnectSent:
		return "connect_sent"
	case StateAuthenticated:
		return "authenticated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
