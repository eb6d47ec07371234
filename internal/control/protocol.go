// Package control implements the builder-side SDK control endpoint
// (SPEC_FULL.md §4.4): a Unix domain socket created fresh for each script
// invocation. The script's invocation identity (action, config path,
// board name, board-config name) already travels as the fixed argv
// contract (§6) and is never repeated over this socket; the socket
// exists solely so the builder can push a cooperative Exit signal to a
// script that links the Builder SDK, and so the script can ack it.
// Grounded on original_source/crates/libs/ej-builder-sdk/src/lib.rs,
// whose BuilderEvent::Exit / BuilderResponse::Ack pair flows in exactly
// this direction (builder -> script, script -> builder).
package control

import "encoding/json"

// MessageType discriminates the two messages exchanged on a script's
// control connection.
type MessageType string

const (
	// MessageExit is sent by the builder to request cooperative shutdown.
	MessageExit MessageType = "exit"
	// MessageAck is sent by the script to acknowledge an Exit.
	MessageAck MessageType = "ack"
)

// Envelope is the newline-delimited JSON wire shape used on the control
// socket, mirroring internal/wire's dispatcher-facing discriminator.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ack acknowledges receipt of an Exit.
type Ack struct {
	Ok bool `json:"ok"`
}
