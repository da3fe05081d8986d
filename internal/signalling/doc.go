// Package signalling implements the WebSocket signalling probe used by
// clients before real session negotiation starts.
//
// Each connection runs a tiny text protocol: HELLO and SESSION handshake
// messages are acknowledged, and once a session is established every other
// text frame is echoed back with an "Echo: " prefix. Connections are fully
// independent; there is no peer registry and no fan-out.
package signalling
