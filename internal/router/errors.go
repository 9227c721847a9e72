package router

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a routing failure.
type Kind string

const (
	KindUnknownCapability     Kind = "unknown_capability"
	KindConnectionUnavailable Kind = "connection_unavailable"
	KindInvalidArguments      Kind = "invalid_arguments"
	KindRemoteError           Kind = "remote_error"
	KindTimeout               Kind = "timeout"
)

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrUnknownCapability     = errors.New("unknown capability")
	ErrConnectionUnavailable = errors.New("connection unavailable")
	ErrInvalidArguments      = errors.New("invalid arguments")
	ErrRemote                = errors.New("remote error")
	ErrTimeout               = errors.New("timed out")
)

var sentinels = map[Kind]error{
	KindUnknownCapability:     ErrUnknownCapability,
	KindConnectionUnavailable: ErrConnectionUnavailable,
	KindInvalidArguments:      ErrInvalidArguments,
	KindRemoteError:           ErrRemote,
	KindTimeout:               ErrTimeout,
}

// Error is a typed routing failure. Every failure returned by Invoke is an
// *Error, so the agent can turn it into a tool message instead of failing.
type Error struct {
	Kind       Kind
	Capability string
	Server     string
	// Content is the remote server's error output, passed through verbatim.
	Content string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Capability, sentinels[e.Kind])
	if e.Server != "" {
		msg += " (server " + e.Server + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Content != "" {
		msg += ": " + e.Content
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the kind of a routing failure, or "" for other errors.
func KindOf(err error) Kind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return ""
}

type describedError struct {
	Kind       string `json:"kind"`
	Capability string `json:"capability,omitempty"`
	Server     string `json:"server,omitempty"`
	Message    string `json:"message"`
	Content    string `json:"content,omitempty"`
}

// Describe renders err as the JSON payload of a tool message so the model
// can see what failed and react.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	d := describedError{Kind: "internal", Message: err.Error()}
	var rerr *Error
	if errors.As(err, &rerr) {
		d.Kind = string(rerr.Kind)
		d.Capability = rerr.Capability
		d.Server = rerr.Server
		d.Content = rerr.Content
		d.Message = sentinels[rerr.Kind].Error()
		if rerr.Err != nil {
			d.Message += ": " + rerr.Err.Error()
		}
	}

	data, mErr := json.Marshal(map[string]describedError{"error": d})
	if mErr != nil {
		return fmt.Sprintf(`{"error":{"kind":"internal","message":%q}}`, err.Error())
	}
	return string(data)
}
