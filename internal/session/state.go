// Package session persists conversation state between queries.
package session

import (
	"context"
	"encoding/json"
	"time"
)

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ActionRequest is a capability call the model asked for.
type ActionRequest struct {
	ID        string          `cbor:"id"`
	Name      string          `cbor:"name"`
	Arguments json.RawMessage `cbor:"arguments,omitempty"`
}

// Message is one entry of a conversation. Tool messages carry the CallID of
// the action request they answer.
type Message struct {
	Role           Role            `cbor:"role"`
	Content        string          `cbor:"content,omitempty"`
	ActionRequests []ActionRequest `cbor:"action_requests,omitempty"`
	CallID         string          `cbor:"call_id,omitempty"`
	Name           string          `cbor:"name,omitempty"`
	IsError        bool            `cbor:"is_error,omitempty"`
}

// State is the ordered message history of a session.
type State struct {
	Messages []Message `cbor:"messages"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	if s.Messages == nil {
		return State{}
	}
	out := State{Messages: make([]Message, len(s.Messages))}
	for i, m := range s.Messages {
		if m.ActionRequests != nil {
			reqs := make([]ActionRequest, len(m.ActionRequests))
			for j, r := range m.ActionRequests {
				r.Arguments = append(json.RawMessage(nil), r.Arguments...)
				reqs[j] = r
			}
			m.ActionRequests = reqs
		}
		out.Messages[i] = m
	}
	return out
}

// Record is a stored session.
type Record struct {
	ID           string
	State        State
	MessageCount int
	// Revision changes on every save.
	Revision  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Summary describes a stored session without its state.
type Summary struct {
	ID           string    `json:"id"`
	MessageCount int       `json:"message_count"`
	Revision     string    `json:"revision"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store loads and saves conversation state.
type Store interface {
	// Load returns nil, nil when the session is unknown.
	Load(ctx context.Context, id string) (*Record, error)
	Save(ctx context.Context, id string, state State) error
	// List returns the most recently updated sessions first.
	List(ctx context.Context, limit int) ([]Summary, error)
	Close() error
}

// NopStore remembers nothing. Every save is acknowledged.
type NopStore struct{}

func (NopStore) Load(context.Context, string) (*Record, error) { return nil, nil }

func (NopStore) Save(context.Context, string, State) error { return nil }

func (NopStore) List(context.Context, int) ([]Summary, error) { return nil, nil }

func (NopStore) Close() error { return nil }
