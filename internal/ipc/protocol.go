package ipc

import (
	"encoding/json"
	"time"
)

// Request types.
const (
	TypeStatus       = "status"
	TypeListTools    = "list_tools"
	TypeQuery        = "query"
	TypeReconnect    = "reconnect"
	TypeListSessions = "list_sessions"
	TypeShutdown     = "shutdown"
)

// Request is sent from the CLI to the daemon over the Unix socket.
type Request struct {
	Nonce     string        `json:"nonce"`             // daemon nonce for auth
	Type      string        `json:"type"`              // one of the Type* constants
	Server    string        `json:"server,omitempty"`  // reconnect target
	Query     string        `json:"query,omitempty"`   // user text for "query"
	SessionID string        `json:"session,omitempty"` // conversation to continue
	MaxSteps  int           `json:"max_steps,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"` // whole-query bound; zero uses the daemon default
	Limit     int           `json:"limit,omitempty"`   // list_sessions page size
	Verbose   bool          `json:"verbose,omitempty"`
	JSON      bool          `json:"json,omitempty"` // machine-readable output
}

// Response is sent from the daemon back to the CLI.
type Response struct {
	Content  []byte `json:"content"`          // raw output for stdout
	ExitCode int    `json:"exit_code"`        // see Exit* constants
	Stderr   string `json:"stderr,omitempty"` // error message for stderr
}

// Exit codes.
const (
	ExitOK       = 0
	ExitAborted  = 1 // query aborted or server unavailable
	ExitUsageErr = 2
	ExitInternal = 3
)

// ServerStatus is one entry of a "status" or "reconnect" response.
type ServerStatus struct {
	Name                string    `json:"name"`
	Transport           string    `json:"transport"`
	Status              string    `json:"status"`
	Tools               int       `json:"tools"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveTimeouts int       `json:"consecutive_timeouts,omitempty"`
	ConnectedAt         time.Time `json:"connected_at,omitzero"`
}

// Tool is one capability in a "list_tools" response.
type Tool struct {
	Name        string          `json:"name"`
	Server      string          `json:"server"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Collision records a capability name claimed by more than one server.
type Collision struct {
	Name    string `json:"name"`
	Dropped string `json:"dropped"`
	Winner  string `json:"winner"`
}

// ToolList is the "list_tools" response payload.
type ToolList struct {
	Tools      []Tool      `json:"tools"`
	Collisions []Collision `json:"collisions,omitempty"`
}

// QueryResult is the "query" response payload when JSON output is requested.
type QueryResult struct {
	SessionID       string `json:"session,omitempty"`
	Phase           string `json:"phase"`
	Answer          string `json:"answer"`
	BudgetExhausted bool   `json:"budget_exhausted,omitempty"`
	TimedOut        bool   `json:"timed_out,omitempty"`
	Canceled        bool   `json:"canceled,omitempty"`
	ModelError      string `json:"model_error,omitempty"`
	Steps           int    `json:"steps"`
	Actions         int    `json:"actions"`
}

// Session is one entry of a "list_sessions" response.
type Session struct {
	ID           string    `json:"id"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}
