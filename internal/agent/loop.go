package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lydakis/toolgate/internal/config"
	"github.com/lydakis/toolgate/internal/llm"
	"github.com/lydakis/toolgate/internal/registry"
	"github.com/lydakis/toolgate/internal/router"
	"github.com/lydakis/toolgate/internal/session"
	"golang.org/x/sync/errgroup"
)

const (
	timedOutAnswer  = "Sorry, the request timed out. Please try again with a simpler question."
	emptyToolResult = "No result"
	// storeTimeout bounds session I/O, which runs even after cancellation.
	storeTimeout    = 10 * time.Second
)

// canceledActionContent is recorded for action requests that were never run
// because the query was cancelled first.
const canceledActionContent = `{"error":{"kind":"canceled","message":"query canceled before the action ran"}}`

// Catalog lists the capabilities offered to the model.
type Catalog interface {
	Catalog() []registry.Capability
}

// Invoker dispatches one capability call.
type Invoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (*router.Result, error)
}

// Loop runs queries. It is safe for concurrent use; queries on the same
// session id run one at a time.
type Loop struct {
	backend  llm.Backend
	catalog  Catalog
	invoker  Invoker
	store    session.Store
	logger   *slog.Logger
	model    llm.Options
	maxSteps int
	timeout  time.Duration
	parallel bool
	locks    sessionLocks
	now      func() time.Time
}

// Option configures a Loop.
type Option func(*Loop)

// WithStore sets the session store. The default remembers nothing.
func WithStore(store session.Store) Option {
	return func(l *Loop) {
		if store != nil {
			l.store = store
		}
	}
}

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithModel sets the model, temperature and per-call timeout.
func WithModel(opts llm.Options) Option {
	return func(l *Loop) { l.model = opts }
}

// WithMaxSteps sets the default step budget.
func WithMaxSteps(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxSteps = n
		}
	}
}

// WithQueryTimeout bounds every query that does not set its own Timeout.
// Zero leaves queries bounded by steps only.
func WithQueryTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithParallelTools dispatches the actions of one model response
// concurrently. Tool messages are still appended in request order.
func WithParallelTools(enabled bool) Option {
	return func(l *Loop) { l.parallel = enabled }
}

// New creates a loop.
func New(backend llm.Backend, catalog Catalog, invoker Invoker, opts ...Option) *Loop {
	l := &Loop{
		backend:  backend,
		catalog:  catalog,
		invoker:  invoker,
		store:    session.NopStore{},
		logger:   slog.Default(),
		maxSteps: config.DefaultMaxSteps,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "agent")
	return l
}

// Run processes q to completion. Model and tool failures never fail Run;
// they end up in the conversation or in an aborted Result. When ctx is
// cancelled the loop stops at the next transition, saves what it has and
// returns the partial result together with ctx.Err().
func (l *Loop) Run(ctx context.Context, q Query) (*Result, error) {
	if q.SessionID != "" {
		release, err := l.locks.acquire(ctx, q.SessionID)
		if err != nil {
			return nil, err
		}
		defer release()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	state := l.load(ctx, q.SessionID)
	state.Messages = append(state.Messages, Message{Role: session.RoleUser, Content: q.Text})

	budget := Budget{MaxSteps: l.maxSteps}
	if q.MaxSteps > 0 {
		budget.MaxSteps = q.MaxSteps
	}
	timeout := l.timeout
	if q.Timeout > 0 {
		timeout = q.Timeout
	}
	if timeout > 0 {
		budget.Deadline = l.now().Add(timeout)
	}

	res := &Result{SessionID: q.SessionID}
	logger := l.logger.With("session", q.SessionID)
	logger.Debug("query started", "max_steps", budget.MaxSteps, "history", len(state.Messages)-1)

	// In-flight work finishes even when ctx is cancelled.
	work := context.WithoutCancel(ctx)

	var (
		phase   = PhaseAwaitingModel
		pending []ActionRequest
	)
	for !phase.terminal() {
		switch phase {
		case PhaseAwaitingModel:
			if ctx.Err() != nil {
				res.Canceled = true
				phase = PhaseAborted
				continue
			}
			if now := l.now(); budget.Exhausted(now) {
				res.TimedOut = budget.Expired(now)
				logger.Warn("step budget exhausted",
					"steps", budget.Steps, "max_steps", budget.MaxSteps, "timed_out", res.TimedOut)
				res.BudgetExhausted = true
				res.Answer = lastAssistantContent(state)
				phase = PhaseAborted
				continue
			}

			budget.Steps++
			completion, err := l.complete(work, state)
			if err != nil {
				logger.Error("model call failed", "step", budget.Steps, "error", err)
				res.ModelError = err.Error()
				res.Answer = modelFailureAnswer(err)
				phase = PhaseAborted
				continue
			}

			requests := actionRequests(completion.ToolCalls)
			state.Messages = append(state.Messages, Message{
				Role:           session.RoleAssistant,
				Content:        completion.Content,
				ActionRequests: requests,
			})
			if len(requests) == 0 {
				res.Answer = completion.Content
				phase = PhaseDone
				continue
			}
			if ctx.Err() != nil {
				state.Messages = append(state.Messages, canceledToolMessages(requests)...)
				res.Canceled = true
				phase = PhaseAborted
				continue
			}
			pending = requests
			phase = PhaseExecutingActions

		case PhaseExecutingActions:
			state.Messages = append(state.Messages, l.dispatch(work, logger, pending)...)
			res.Actions += len(pending)
			pending = nil
			phase = PhaseAwaitingModel
		}
	}

	res.Phase = phase
	res.Steps = budget.Steps
	l.save(ctx, q.SessionID, state)

	logger.Info("query finished",
		"phase", res.Phase,
		"steps", res.Steps,
		"actions", res.Actions,
		"budget_exhausted", res.BudgetExhausted,
		"canceled", res.Canceled,
	)
	if res.Canceled {
		return res, ctx.Err()
	}
	return res, nil
}

func (l *Loop) load(ctx context.Context, id string) State {
	if id == "" {
		return State{}
	}
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	rec, err := l.store.Load(loadCtx, id)
	if err != nil {
		l.logger.Warn("session load failed, starting fresh", "session", id, "error", err)
		return State{}
	}
	if rec == nil {
		return State{}
	}
	return rec.State
}

func (l *Loop) save(ctx context.Context, id string, state State) {
	if id == "" {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := l.store.Save(saveCtx, id, state); err != nil {
		l.logger.Warn("session save failed", "session", id, "error", err)
	}
}

func (l *Loop) complete(ctx context.Context, state State) (*llm.Completion, error) {
	return l.backend.Complete(ctx, toLLMMessages(state), l.tools(), l.model)
}

func (l *Loop) tools() []llm.Tool {
	catalog := l.catalog.Catalog()
	tools := make([]llm.Tool, 0, len(catalog))
	for _, c := range catalog {
		tools = append(tools, llm.Tool{Name: c.Name, Description: c.Description, Parameters: c.RawSchema})
	}
	return tools
}

// dispatch runs every request and returns one tool message per request, in
// request order.
func (l *Loop) dispatch(ctx context.Context, logger *slog.Logger, requests []ActionRequest) []Message {
	out := make([]Message, len(requests))
	run := func(i int) {
		req := requests[i]
		msg := Message{Role: session.RoleTool, CallID: req.ID, Name: req.Name}

		res, err := l.invoker.Invoke(ctx, req.Name, req.Arguments, 0)
		if err != nil {
			logger.Info("action failed", "capability", req.Name, "call_id", req.ID, "kind", router.KindOf(err), "error", err)
			msg.Content = router.Describe(err)
			msg.IsError = true
		} else {
			logger.Debug("action succeeded", "capability", req.Name, "call_id", req.ID, "server", res.Server, "cached", res.Cached)
			msg.Content = res.Content
			if msg.Content == "" {
				msg.Content = emptyToolResult
			}
		}
		out[i] = msg
	}

	if !l.parallel || len(requests) == 1 {
		for i := range requests {
			run(i)
		}
		return out
	}

	var g errgroup.Group
	for i := range requests {
		g.Go(func() error {
			run(i)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// actionRequests converts model tool calls, filling in missing call ids.
func actionRequests(calls []llm.ToolCall) []ActionRequest {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ActionRequest, 0, len(calls))
	seen := make(map[string]bool, len(calls))
	for _, c := range calls {
		id := c.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.NewString()
		}
		seen[id] = true
		out = append(out, ActionRequest{ID: id, Name: c.Name, Arguments: c.Arguments})
	}
	return out
}

func canceledToolMessages(requests []ActionRequest) []Message {
	out := make([]Message, 0, len(requests))
	for _, req := range requests {
		out = append(out, Message{
			Role:    session.RoleTool,
			CallID:  req.ID,
			Name:    req.Name,
			Content: canceledActionContent,
			IsError: true,
		})
	}
	return out
}

func toLLMMessages(state State) []llm.Message {
	out := make([]llm.Message, 0, len(state.Messages))
	for _, m := range state.Messages {
		msg := llm.Message{Content: m.Content}
		switch m.Role {
		case session.RoleUser:
			msg.Role = llm.RoleUser
		case session.RoleAssistant:
			msg.Role = llm.RoleAssistant
			for _, req := range m.ActionRequests {
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: req.ID, Name: req.Name, Arguments: req.Arguments})
			}
		case session.RoleTool:
			msg.Role = llm.RoleTool
			msg.ToolCallID = m.CallID
			msg.ToolName = m.Name
		default:
			continue
		}
		out = append(out, msg)
	}
	return out
}

func lastAssistantContent(state State) string {
	for i := len(state.Messages) - 1; i >= 0; i-- {
		m := state.Messages[i]
		if m.Role == session.RoleAssistant && m.Content != "" {
			return m.Content
		}
	}
	return ""
}

func modelFailureAnswer(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return timedOutAnswer
	}
	return fmt.Sprintf("Error communicating with the model: %v", err)
}
