// Package event defines the typed output vocabulary of an execution.
//
// Everything observable about a running execution - text chunks, rich
// display payloads, extension log lines, surfaced variables, artifacts,
// interpreter status changes - is normalized into an Event before it
// reaches a stream subscriber or an ExecutionResult.
package event

// Kind tags an Event with its channel of origin.
type Kind string

const (
	KindStdout    Kind = "stdout"
	KindStderr    Kind = "stderr"
	KindLog       Kind = "log"
	KindDisplay   Kind = "display"
	KindResult    Kind = "result"
	KindError     Kind = "error"
	KindStatus    Kind = "status"
	KindArtifact  Kind = "artifact"
	KindVariables Kind = "variables"

	// KindTruncated marks the point where a hub dropped its oldest
	// buffered events; late joiners see it instead of the dropped prefix.
	KindTruncated Kind = "truncated"

	// KindReply is the interpreter's execute acknowledgement. It frames
	// the end of the busy phase for the engine and never reaches
	// subscribers; KindResult is reserved for the assembled
	// ExecutionResult.
	KindReply Kind = "reply"
)

// Event is one unit of observable execution activity.
// Seq is assigned by the publisher and is strictly increasing within one
// execution. The event carrying Terminal=true is always the last one.
type Event struct {
	Seq      int64 `json:"seq"`
	Kind     Kind  `json:"kind"`
	Payload  any   `json:"payload,omitempty"`
	Terminal bool  `json:"terminal,omitempty"`
}

// LogEntry is a structured log line emitted by a loaded extension.
type LogEntry struct {
	Level string `json:"level"`
	Tag   string `json:"tag"`
	Text  string `json:"text"`
}

// Variable is a user-defined name surfaced after an execution.
type Variable struct {
	Name     string `json:"name"`
	TypeRepr string `json:"type_repr"`
}

// Artifact describes a file produced under the session working directory.
// The byte content stays on disk; FileName is relative to the session cwd.
type Artifact struct {
	Name     string `json:"logical_name"`
	MimeType string `json:"mime_type"`
	FileName string `json:"file_name"`
}

// ErrorPayload carries the failure detail of an error event.
type ErrorPayload struct {
	Message   string   `json:"message"`
	Traceback []string `json:"traceback,omitempty"`
}

// ExecutionResult is the final aggregate returned to the HTTP caller and
// published as the result event at terminal time.
type ExecutionResult struct {
	ExecutionID       string     `json:"execution_id"`
	Code              string     `json:"code"`
	Success           bool       `json:"success"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	Output            string     `json:"output"`
	StdoutChunks      []string   `json:"stdout_chunks"`
	StderrChunks      []string   `json:"stderr_chunks"`
	LogEntries        []LogEntry `json:"log_entries"`
	Artifacts         []Artifact `json:"artifacts"`
	SurfacedVariables []Variable `json:"surfaced_variables"`
}

// NewResult returns an ExecutionResult with all slices non-nil so the
// JSON encoding always carries arrays rather than nulls.
func NewResult(execID, code string) *ExecutionResult {
	return &ExecutionResult{
		ExecutionID:       execID,
		Code:              code,
		Success:           true,
		StdoutChunks:      []string{},
		StderrChunks:      []string{},
		LogEntries:        []LogEntry{},
		Artifacts:         []Artifact{},
		SurfacedVariables: []Variable{},
	}
}
