package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	nodex "github.com/tanpawarit/udahub-support-orchestrator/agent/nodes"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
	transcriptx "github.com/tanpawarit/udahub-support-orchestrator/agent/transcript"
)

type TurnResult = nodex.TurnResult

var (
	ErrInvalidMessage = nodex.ErrInvalidMessage
	ErrInvalidSession = nodex.ErrInvalidSession
	ErrMessageTooLong = nodex.ErrMessageTooLong
)

const (
	BusyWait   = "wait"
	BusyReject = "reject"
)

// Config is the ENGINE_* section.
type Config struct {
	MaxIterations     int           `split_words:"true" default:"6"`
	MaxToolCalls      int           `split_words:"true" default:"5"`
	TurnTimeout       time.Duration `split_words:"true" default:"60s"`
	CommitTimeout     time.Duration `split_words:"true" default:"10s"`
	BusyPolicy        string        `split_words:"true" default:"wait"`
	MaxInputRunes     int           `split_words:"true" default:"8000"`
	SummaryMinTurns   int           `split_words:"true" default:"6"`
	EscalationMessage string        `split_words:"true"`
	DegradedMessage   string        `split_words:"true"`
}

func (c Config) loopConfig() nodex.LoopConfig {
	return nodex.LoopConfig{
		MaxIterations:     c.MaxIterations,
		MaxToolCalls:      c.MaxToolCalls,
		TurnTimeout:       c.TurnTimeout,
		EscalationMessage: c.EscalationMessage,
		DegradedMessage:   c.DegradedMessage,
	}
}

func (c Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.BusyPolicy)) {
	case "", BusyWait, BusyReject:
	default:
		return fmt.Errorf("%w: busy policy=%q", contractx.ErrValidation, c.BusyPolicy)
	}
	if c.MaxIterations < 0 || c.MaxToolCalls < 0 {
		return fmt.Errorf("%w: loop caps must not be negative", contractx.ErrValidation)
	}
	return nil
}

// Engine runs conversation turns. Turns of one session are serialised;
// distinct sessions run concurrently.
type Engine struct {
	store     statex.Store
	locker    *statex.SessionLocker
	router    contractx.Router
	registry  contractx.Registry
	tools     contractx.ToolGateway
	summaries contractx.SummaryQueue

	cfg      Config
	defaults statex.CustomerContext
	wait     bool

	graphRunner compose.Runnable[nodex.GraphInput, nodex.TurnResult]

	now func() time.Time
}

type Option func(*Engine)

// WithDefaultCustomer seeds new sessions that arrive without customer context.
func WithDefaultCustomer(c statex.CustomerContext) Option {
	return func(e *Engine) { e.defaults = c }
}

func WithSummaryQueue(q contractx.SummaryQueue) Option {
	return func(e *Engine) { e.summaries = q }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLocker(l *statex.SessionLocker) Option {
	return func(e *Engine) { e.locker = l }
}

func New(
	store statex.Store,
	router contractx.Router,
	registry contractx.Registry,
	tools contractx.ToolGateway,
	cfg Config,
	opts ...Option,
) (*Engine, error) {
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if router == nil {
		return nil, errors.New("router is required")
	}
	if registry == nil {
		return nil, errors.New("agent registry is required")
	}
	if tools == nil {
		return nil, errors.New("tool gateway is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		store:     store,
		locker:    statex.NewSessionLocker(),
		router:    router,
		registry:  registry,
		tools:     tools,
		summaries: noopQueue{},
		cfg:       cfg,
		wait:      !strings.EqualFold(strings.TrimSpace(cfg.BusyPolicy), BusyReject),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	graphRunner, err := e.compileTurnGraph(context.Background())
	if err != nil {
		return nil, err
	}
	e.graphRunner = graphRunner

	return e, nil
}

type TurnOption func(*nodex.GraphInput)

// WithCustomer sets the customer context of a session created by this turn.
func WithCustomer(c statex.CustomerContext) TurnOption {
	return func(in *nodex.GraphInput) { in.Customer = &c }
}

// RunTurn processes one user message. An empty sessionID starts a new
// session under a generated id. Only ErrSessionBusy, ErrSessionClosed,
// ErrPersistenceFailure, validation errors and caller cancellation are
// returned as errors; everything else resolves to a reply.
func (e *Engine) RunTurn(ctx context.Context, sessionID, input string, opts ...TurnOption) (TurnResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	in := nodex.GraphInput{SessionID: sessionID, Text: input}
	for _, opt := range opts {
		opt(&in)
	}

	start := e.now()
	release, err := e.locker.Acquire(ctx, sessionID, e.wait)
	if err != nil {
		return TurnResult{}, err
	}
	defer release()

	out, err := e.graphRunner.Invoke(ctx, in)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("turn failed")
		return TurnResult{}, err
	}

	log.Info().
		Str("session_id", sessionID).
		Int64("version", out.Version).
		Str("agent", string(out.Agent)).
		Interface("actions", out.Actions).
		Int("tool_calls", out.ToolCalls).
		Bool("escalated", out.Escalated).
		Dur("duration", e.now().Sub(start)).
		Msg("turn committed")
	return out, nil
}

// CloseSession marks the session closed. Later turns fail with
// ErrSessionClosed; closing twice is a no-op.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) (int64, error) {
	return e.mutate(ctx, sessionID, func(st *statex.ConversationState) (bool, error) {
		if st.IsClosed() {
			return false, nil
		}
		st.Close(e.now())
		return true, nil
	})
}

// ApplySummary is the only writer of conversation_summary. It commits only
// when throughTurn advances coverage and stays within the turn history.
func (e *Engine) ApplySummary(ctx context.Context, sessionID, summary string, throughTurn int) (int64, error) {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return 0, fmt.Errorf("%w: summary is empty", contractx.ErrValidation)
	}
	return e.mutate(ctx, sessionID, func(st *statex.ConversationState) (bool, error) {
		if throughTurn <= st.SummaryThrough {
			return false, nil
		}
		if throughTurn > len(st.Turns) {
			return false, fmt.Errorf("%w: through_turn=%d beyond %d turns", contractx.ErrValidation, throughTurn, len(st.Turns))
		}
		st.ConversationSummary = summary
		st.SummaryThrough = throughTurn
		st.Touch(e.now())
		return true, nil
	})
}

// mutate applies fn to the latest checkpoint under the session lock and
// commits when fn reports a change. It returns the resulting version.
func (e *Engine) mutate(ctx context.Context, sessionID string, fn func(*statex.ConversationState) (bool, error)) (int64, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, ErrInvalidSession
	}
	release, err := e.locker.Acquire(ctx, sessionID, e.wait)
	if err != nil {
		return 0, err
	}
	defer release()

	cp, err := e.store.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, statex.ErrStateNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: load session=%s: %v", contractx.ErrPersistenceFailure, sessionID, err)
	}

	st := cp.State.Clone()
	changed, err := fn(st)
	if err != nil {
		return 0, err
	}
	if !changed {
		return cp.Version, nil
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.commitTimeout())
	defer cancel()
	version, err := e.store.Commit(commitCtx, sessionID, cp.Version, st)
	if err != nil {
		return 0, nodex.CommitError(sessionID, err)
	}
	return version, nil
}

func (e *Engine) commitTimeout() time.Duration {
	if e.cfg.CommitTimeout > 0 {
		return e.cfg.CommitTimeout
	}
	return nodex.DefaultCommitTimeout
}

// Checkpoint returns the latest committed checkpoint of a session.
func (e *Engine) Checkpoint(ctx context.Context, sessionID string) (*statex.Checkpoint, error) {
	return e.store.Load(ctx, strings.TrimSpace(sessionID))
}

// Transcript returns the latest checkpoint as an append-only log.
func (e *Engine) Transcript(ctx context.Context, sessionID string) ([]transcriptx.Entry, error) {
	cp, err := e.Checkpoint(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return transcriptx.FromCheckpoint(cp), nil
}

type noopQueue struct{}

func (noopQueue) Enqueue(context.Context, contractx.SummaryTask) {}
