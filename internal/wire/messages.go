// Package wire defines the dispatcher<->builder websocket protocol
// (SPEC_FULL.md §4.2): a tagged-variant JSON message set with an
// explicit discriminator, per the re-architecture guidance in §9.
package wire

import (
	"encoding/json"
	"fmt"
)

// Type is the message discriminator.
type Type string

const (
	TypeBuild         Type = "build"
	TypeRun           Type = "run"
	TypeCancel        Type = "cancel"
	TypePing          Type = "ping"
	TypeConfigAnnounce Type = "config_announce"
	TypeBuildOk       Type = "build_ok"
	TypeBuildErr      Type = "build_err"
	TypeRunOk         Type = "run_ok"
	TypeRunErr        Type = "run_err"
	TypePong          Type = "pong"
)

// Envelope is the on-the-wire shape: a discriminator plus the raw payload
// for whichever concrete message it tags.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Build is sent dispatcher -> builder to start the build phase only.
type Build struct {
	JobID      string `json:"job_id"`
	CommitHash string `json:"commit_hash"`
	RemoteURL  string `json:"remote_url"`
	FetchToken string `json:"fetch_token,omitempty"`
}

// Run is sent dispatcher -> builder to run build-then-run phases.
type Run struct {
	JobID      string `json:"job_id"`
	CommitHash string `json:"commit_hash"`
	RemoteURL  string `json:"remote_url"`
	FetchToken string `json:"fetch_token,omitempty"`
}

// Cancel is sent dispatcher -> builder to request cooperative cancellation
// of the named job.
type Cancel struct {
	JobID string `json:"job_id"`
}

// Ping is the dispatcher's liveness probe; Pong is the builder's reply.
type Ping struct{}
type Pong struct{}

// BoardConfigInfo is the wire-level identity of one board-config,
// exchanged in ConfigAnnounce and attached to every log/result entry.
type BoardConfigInfo struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// BoardInfo is one board and its configs, as announced by a builder.
type BoardInfo struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Configs     []BoardConfigInfo `json:"configs"`
}

// ConfigAnnounce is sent builder -> dispatcher once after connect so the
// dispatcher can refresh BoardConfig ids (§4.2).
type ConfigAnnounce struct {
	Version    string      `json:"version"`
	ConfigHash string      `json:"config_hash"`
	Boards     []BoardInfo `json:"boards"`
}

// LogEntry pairs a board-config with its captured log text.
type LogEntry struct {
	BoardConfigID string `json:"board_config_id"`
	Text          string `json:"text"`
}

// ResultEntry pairs a board-config with its collected results-file text.
type ResultEntry struct {
	BoardConfigID string `json:"board_config_id"`
	Text          string `json:"text"`
}

// BuildOk is sent builder -> dispatcher when the build phase succeeds.
type BuildOk struct {
	JobID string     `json:"job_id"`
	Logs  []LogEntry `json:"logs"`
}

// BuildErr is sent builder -> dispatcher when the build phase fails.
type BuildErr struct {
	JobID        string     `json:"job_id"`
	Logs         []LogEntry `json:"logs"`
	ErrorSummary string     `json:"error_summary"`
}

// RunOk is sent builder -> dispatcher when the run phase succeeds.
type RunOk struct {
	JobID   string        `json:"job_id"`
	Logs    []LogEntry    `json:"logs"`
	Results []ResultEntry `json:"results"`
}

// RunErr is sent builder -> dispatcher when the run phase fails.
type RunErr struct {
	JobID        string        `json:"job_id"`
	Logs         []LogEntry    `json:"logs"`
	Results      []ResultEntry `json:"results"`
	ErrorSummary string        `json:"error_summary"`
}

// Encode wraps a concrete message in an Envelope and marshals it.
func Encode(t Type, msg any) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: payload})
}

// Decode unmarshals an Envelope and returns its discriminator plus the
// raw payload for the caller to unmarshal into the matching concrete type.
func Decode(data []byte) (Type, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return env.Type, env.Payload, nil
}
