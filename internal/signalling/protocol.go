package signalling

import "strings"

const (
	HelloPrefix   = "HELLO"
	SessionPrefix = "SESSION"

	HelloReply   = "HELLO"
	SessionReply = "SESSION_OK"
	EchoPrefix   = "Echo: "
)

// Phase is a connection's handshake progress. Phases only move forward.
type Phase int

const (
	PhaseUnestablished Phase = iota
	PhaseHandshaking
	PhaseEstablished
)

func (p Phase) String() string {
	switch p {
	case PhaseUnestablished:
		return "unestablished"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// EchoMode controls when payloads without a handshake prefix are echoed.
type EchoMode int

const (
	// EchoWhenEstablished echoes only after SESSION has been received.
	EchoWhenEstablished EchoMode = iota
	// EchoAlways echoes in every phase.
	EchoAlways
)

// MessageKind classifies how an inbound text frame was handled.
type MessageKind int

const (
	KindDiscard MessageKind = iota
	KindHello
	KindSession
	KindEcho
)

func (k MessageKind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindSession:
		return "session"
	case KindEcho:
		return "echo"
	default:
		return "discard"
	}
}

// Machine is the per-connection protocol state. It is not safe for
// concurrent use; a session drives it from its read loop only.
type Machine struct {
	phase Phase
	mode  EchoMode
}

func NewMachine(mode EchoMode) *Machine {
	return &Machine{mode: mode}
}

func (m *Machine) Phase() Phase { return m.phase }

// Handle applies one inbound text payload. kind is KindDiscard when no reply
// must be sent; reply is then empty.
//
// Out-of-order handshake messages are accepted so retrying clients always
// get an acknowledgement.
func (m *Machine) Handle(payload string) (reply string, kind MessageKind) {
	switch {
	case strings.HasPrefix(payload, HelloPrefix):
		m.advance(PhaseHandshaking)
		return HelloReply, KindHello
	case strings.HasPrefix(payload, SessionPrefix):
		m.advance(PhaseEstablished)
		return SessionReply, KindSession
	case payload == "":
		return "", KindDiscard
	case m.phase == PhaseEstablished || m.mode == EchoAlways:
		return EchoPrefix + payload, KindEcho
	default:
		return "", KindDiscard
	}
}

func (m *Machine) advance(to Phase) {
	if to > m.phase {
		m.phase = to
	}
}
