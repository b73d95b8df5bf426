// Package protocol defines the wire vocabulary spoken between the service
// and the control adapter running inside each interpreter.
//
// Both directions are newline-delimited JSON over the interpreter's
// standard streams. Input payloads are tagged with a type so the adapter
// can tell user code from control directives; output messages are tagged
// with a channel so the engine can demultiplex them.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/weaverlabs/ces/internal/event"
)

// Directive names understood by the control adapter.
const (
	DirectiveSessionInit = "session-init"
	DirectiveExtRegister = "ext-register"
	DirectiveExtLoad     = "ext-load"
	DirectivePreExec     = "pre-exec"
	DirectivePostExec    = "post-exec"
	DirectiveVarUpdate   = "var-update"
	DirectiveShutdown    = "shutdown"
)

// Input payload types.
const (
	payloadCode      = "code"
	payloadDirective = "directive"
)

// Payload is one tagged line written to the interpreter's stdin.
type Payload struct {
	Type   string         `json:"type"`
	Name   string         `json:"name,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	ExecID string         `json:"exec_id,omitempty"`
	Code   string         `json:"code,omitempty"`
}

// Code builds a user-code payload.
func Code(execID, code string) Payload {
	return Payload{Type: payloadCode, ExecID: execID, Code: code}
}

// Directive builds a control directive payload.
func Directive(name string, args map[string]any) Payload {
	return Payload{Type: payloadDirective, Name: name, Args: args}
}

// Encode marshals a payload as a single newline-terminated JSON line.
func Encode(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return append(data, '\n'), nil
}

// Adapter output channels.
const (
	ChannelStdout    = "stdout"
	ChannelStderr    = "stderr"
	ChannelStatus    = "status"
	ChannelDisplay   = "display"
	ChannelError     = "error"
	ChannelReply     = "execute_reply"
	ChannelVariables = "variables"
	ChannelArtifact  = "artifact"
)

// Interpreter status states.
const (
	StateIdle = "idle"
	StateBusy = "busy"
)

// Message is one decoded line from the interpreter's stdout.
type Message struct {
	Channel   string           `json:"channel"`
	Text      string           `json:"text,omitempty"`
	State     string           `json:"state,omitempty"`
	Status    string           `json:"status,omitempty"`
	Mime      string           `json:"mime,omitempty"`
	Data      string           `json:"data,omitempty"`
	Name      string           `json:"name,omitempty"`
	File      string           `json:"file,omitempty"`
	Message   string           `json:"message,omitempty"`
	Traceback []string         `json:"traceback,omitempty"`
	Variables []event.Variable `json:"variables,omitempty"`
}

// DecodeMessage parses one stdout line from the adapter. Lines that are
// not valid protocol JSON are treated as stray stdout text so a
// misbehaving interpreter cannot wedge the decoder.
func DecodeMessage(line []byte) Message {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil || m.Channel == "" {
		return Message{Channel: ChannelStdout, Text: string(line) + "\n"}
	}
	return m
}

// Event converts a decoded message into the typed event it represents.
// Sequence numbers are assigned later by the publisher.
func (m Message) Event() event.Event {
	switch m.Channel {
	case ChannelStdout:
		return event.Event{Kind: event.KindStdout, Payload: m.Text}
	case ChannelStderr:
		return event.Event{Kind: event.KindStderr, Payload: m.Text}
	case ChannelStatus:
		return event.Event{Kind: event.KindStatus, Payload: m.State}
	case ChannelDisplay:
		return event.Event{Kind: event.KindDisplay, Payload: map[string]string{
			"mime": m.Mime,
			"data": m.Data,
		}}
	case ChannelError:
		return event.Event{Kind: event.KindError, Payload: event.ErrorPayload{
			Message:   m.Message,
			Traceback: m.Traceback,
		}}
	case ChannelReply:
		return event.Event{Kind: event.KindReply, Payload: m.Status}
	case ChannelVariables:
		return event.Event{Kind: event.KindVariables, Payload: m.Variables}
	case ChannelArtifact:
		return event.Event{Kind: event.KindArtifact, Payload: event.Artifact{
			Name:     m.Name,
			MimeType: m.Mime,
			FileName: m.File,
		}}
	default:
		return event.Event{Kind: event.KindStdout, Payload: m.Text}
	}
}

// LogSentinel prefixes stdout lines the adapter emits on behalf of
// extension loggers. The record separator keeps user code from producing
// it by accident.
const LogSentinel = "\x1e!ces-log!"

// ParseLogLine extracts a log entry from a sentinel-prefixed stdout chunk.
// The wire form is LogSentinel + "level|tag|message".
func ParseLogLine(text string) (event.LogEntry, bool) {
	if !strings.HasPrefix(text, LogSentinel) {
		return event.LogEntry{}, false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(text, LogSentinel), "\n")
	parts := strings.SplitN(rest, "|", 3)
	if len(parts) != 3 {
		return event.LogEntry{}, false
	}
	return event.LogEntry{Level: parts[0], Tag: parts[1], Text: parts[2]}, true
}
