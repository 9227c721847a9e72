package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lydakis/toolgate/internal/agent"
	"github.com/lydakis/toolgate/internal/ipc"
	"github.com/lydakis/toolgate/internal/mcppool"
	"github.com/lydakis/toolgate/internal/registry"
	"github.com/lydakis/toolgate/internal/session"
)

const defaultSessionListLimit = 50

type connectionPool interface {
	Statuses() []mcppool.Info
	Reconnect(ctx context.Context, name string) (mcppool.Info, error)
}

type snapshotter interface {
	Snapshot() *registry.Snapshot
}

type queryRunner interface {
	Run(ctx context.Context, q agent.Query) (*agent.Result, error)
}

type sessionLister interface {
	List(ctx context.Context, limit int) ([]session.Summary, error)
}

// handler serves IPC requests.
type handler struct {
	// base is cancelled when the daemon shuts down.
	base     context.Context
	pool     connectionPool
	catalog  snapshotter
	loop     queryRunner
	sessions sessionLister
	ka       *Keepalive
	logger   *slog.Logger
	shutdown func()
}

func (h *handler) handle(ctx context.Context, req *ipc.Request) *ipc.Response {
	if req.Type == ipc.TypeShutdown {
		go h.shutdown()
		return &ipc.Response{Content: []byte("shutting down\n")}
	}

	if h.ka != nil {
		h.ka.Begin()
		defer h.ka.End()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if h.base != nil {
		stop := context.AfterFunc(h.base, cancel)
		defer stop()
	}

	switch req.Type {
	case ipc.TypeStatus:
		return jsonResponse(h.status())
	case ipc.TypeListTools:
		return jsonResponse(h.listTools(req.Verbose))
	case ipc.TypeQuery:
		return h.query(ctx, req)
	case ipc.TypeReconnect:
		return h.reconnect(ctx, req.Server)
	case ipc.TypeListSessions:
		return h.listSessions(ctx, req.Limit)
	default:
		return &ipc.Response{ExitCode: ipc.ExitUsageErr, Stderr: fmt.Sprintf("unknown request type: %s", req.Type)}
	}
}

func (h *handler) status() []ipc.ServerStatus {
	infos := h.pool.Statuses()
	out := make([]ipc.ServerStatus, 0, len(infos))
	for _, info := range infos {
		out = append(out, serverStatus(info))
	}
	return out
}

func serverStatus(info mcppool.Info) ipc.ServerStatus {
	return ipc.ServerStatus{
		Name:                info.Name,
		Transport:           info.Transport,
		Status:              string(info.Status),
		Tools:               len(info.Tools),
		LastError:           info.LastError,
		ConsecutiveTimeouts: info.ConsecutiveTimeouts,
		ConnectedAt:         info.ConnectedAt,
	}
}

func (h *handler) listTools(verbose bool) ipc.ToolList {
	snap := h.catalog.Snapshot()
	list := ipc.ToolList{Tools: make([]ipc.Tool, 0, len(snap.Catalog))}
	for _, c := range snap.Catalog {
		tool := ipc.Tool{Name: c.Name, Server: c.Server, Description: strings.TrimSpace(c.Description)}
		if verbose {
			tool.InputSchema = c.RawSchema
		}
		list.Tools = append(list.Tools, tool)
	}
	for _, c := range snap.Collisions {
		list.Collisions = append(list.Collisions, ipc.Collision{Name: c.Name, Dropped: c.Dropped, Winner: c.Winner})
	}
	return list
}

func (h *handler) query(ctx context.Context, req *ipc.Request) *ipc.Response {
	text := strings.TrimSpace(req.Query)
	if text == "" {
		return &ipc.Response{ExitCode: ipc.ExitUsageErr, Stderr: "query text is required"}
	}

	res, err := h.loop.Run(ctx, agent.Query{
		SessionID: req.SessionID,
		Text:      text,
		MaxSteps:  req.MaxSteps,
		Timeout:   req.Timeout,
	})
	if res == nil {
		if err == nil {
			err = errors.New("no result")
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return &ipc.Response{ExitCode: ipc.ExitAborted, Stderr: "query canceled"}
		}
		return &ipc.Response{ExitCode: ipc.ExitInternal, Stderr: fmt.Sprintf("query failed: %v", err)}
	}

	resp := &ipc.Response{}
	switch {
	case res.Canceled:
		resp.ExitCode = ipc.ExitAborted
		resp.Stderr = "query canceled"
	case res.TimedOut:
		resp.ExitCode = ipc.ExitAborted
		resp.Stderr = fmt.Sprintf("query timed out after %d steps; the answer is partial", res.Steps)
	case res.BudgetExhausted:
		resp.ExitCode = ipc.ExitAborted
		resp.Stderr = fmt.Sprintf("step budget exhausted after %d steps; the answer is partial", res.Steps)
	case res.ModelError != "":
		resp.ExitCode = ipc.ExitAborted
		resp.Stderr = "model error: " + res.ModelError
	}

	if req.JSON {
		data, mErr := json.Marshal(ipc.QueryResult{
			SessionID:       res.SessionID,
			Phase:           string(res.Phase),
			Answer:          res.Answer,
			BudgetExhausted: res.BudgetExhausted,
			TimedOut:        res.TimedOut,
			Canceled:        res.Canceled,
			ModelError:      res.ModelError,
			Steps:           res.Steps,
			Actions:         res.Actions,
		})
		if mErr != nil {
			return &ipc.Response{ExitCode: ipc.ExitInternal, Stderr: mErr.Error()}
		}
		resp.Content = append(data, '\n')
		return resp
	}

	if res.Answer != "" {
		resp.Content = []byte(strings.TrimRight(res.Answer, "\n") + "\n")
	}
	return resp
}

func (h *handler) reconnect(ctx context.Context, name string) *ipc.Response {
	if name == "" {
		return &ipc.Response{ExitCode: ipc.ExitUsageErr, Stderr: "server name is required"}
	}

	info, err := h.pool.Reconnect(ctx, name)
	if errors.Is(err, mcppool.ErrUnknownServer) {
		return &ipc.Response{ExitCode: ipc.ExitUsageErr, Stderr: fmt.Sprintf("unknown server: %s", name)}
	}
	resp := jsonResponse(serverStatus(info))
	if err != nil {
		h.logger.Warn("reconnect failed", "server", name, "error", err)
		resp.ExitCode = ipc.ExitAborted
		resp.Stderr = fmt.Sprintf("reconnect %s: %v", name, err)
	}
	return resp
}

func (h *handler) listSessions(ctx context.Context, limit int) *ipc.Response {
	if limit <= 0 {
		limit = defaultSessionListLimit
	}
	summaries, err := h.sessions.List(ctx, limit)
	if err != nil {
		return &ipc.Response{ExitCode: ipc.ExitInternal, Stderr: fmt.Sprintf("listing sessions: %v", err)}
	}
	out := make([]ipc.Session, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, ipc.Session{ID: s.ID, MessageCount: s.MessageCount, UpdatedAt: s.UpdatedAt})
	}
	return jsonResponse(out)
}

func jsonResponse(v any) *ipc.Response {
	data, err := json.Marshal(v)
	if err != nil {
		return &ipc.Response{ExitCode: ipc.ExitInternal, Stderr: fmt.Sprintf("encoding response: %v", err)}
	}
	return &ipc.Response{Content: append(data, '\n')}
}
