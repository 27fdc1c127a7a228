package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
)

type Config struct {
	Timeout        time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"5s"`
	MaxArgsBytes   int           `envconfig:"MAX_ARGS_BYTES" split_words:"true" default:"8192"`
	MaxResultBytes int           `envconfig:"MAX_RESULT_BYTES" split_words:"true" default:"65536"`
}

var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://udahub.local/tool-calls"))

// IdempotencyKey is a pure function of where the call sits in the session and
// what it asks for, so re-running an uncommitted turn reuses the same keys.
func IdempotencyKey(scope contractx.CallScope, req contractx.ToolRequest) string {
	name := scope.SessionID + "|" + strconv.Itoa(scope.TurnIndex) + "|" + strconv.Itoa(scope.Ordinal) + "|" + req.Fingerprint()
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// Dispatcher is shared by every session. It holds no per-call state.
type Dispatcher struct {
	registry     *Registry
	capabilities Capabilities
	cfg          Config
	now          func() time.Time
}

var _ contractx.ToolGateway = (*Dispatcher)(nil)

func NewDispatcher(registry *Registry, capabilities Capabilities, cfg Config) (*Dispatcher, error) {
	if registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if capabilities == nil {
		capabilities = DefaultCapabilities()
	}
	if err := capabilities.validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxArgsBytes <= 0 {
		cfg.MaxArgsBytes = 8 << 10
	}
	if cfg.MaxResultBytes <= 0 {
		cfg.MaxResultBytes = 64 << 10
	}
	return &Dispatcher{
		registry:     registry,
		capabilities: capabilities,
		cfg:          cfg,
		now:          time.Now,
	}, nil
}

// Tools returns the schemas an agent may bind, sorted by name. Tools granted
// but not registered are left out.
func (d *Dispatcher) Tools(agent contractx.AgentType) []*schema.ToolInfo {
	names := append([]string(nil), d.capabilities[agent]...)
	sort.Strings(names)

	infos := make([]*schema.ToolInfo, 0, len(names))
	for _, name := range names {
		if t, ok := d.registry.Lookup(name); ok {
			infos = append(infos, t.Info())
		}
	}
	return infos
}

// Invoke always returns a populated record. A non-nil error means the call
// failed; the record then carries the failure code and message.
func (d *Dispatcher) Invoke(ctx context.Context, agent contractx.AgentType, scope contractx.CallScope, req contractx.ToolRequest) (statex.ToolCall, error) {
	started := d.now()
	req.Tool = strings.TrimSpace(req.Tool)
	record := statex.ToolCall{
		ID:    IdempotencyKey(scope, req),
		Tool:  req.Tool,
		Agent: agent,
		Args:  cloneArgs(req.Args),
	}

	result, err := d.invoke(ctx, agent, scope, record.ID, req)
	record.DurationMS = d.now().Sub(started).Milliseconds()
	if err != nil {
		record.Error = err.Error()
		record.Code = string(contractx.FailureCodeOf(err))
		log.Warn().
			Str("session_id", scope.SessionID).
			Str("agent", string(agent)).
			Str("tool", req.Tool).
			Str("code", record.Code).
			Err(err).
			Msg("tool call failed")
		return record, err
	}

	record.Result = result
	log.Debug().
		Str("session_id", scope.SessionID).
		Str("agent", string(agent)).
		Str("tool", req.Tool).
		Int64("duration_ms", record.DurationMS).
		Msg("tool call succeeded")
	return record, nil
}

func (d *Dispatcher) invoke(ctx context.Context, agent contractx.AgentType, scope contractx.CallScope, key string, req contractx.ToolRequest) (json.RawMessage, error) {
	if !d.capabilities.allows(agent, req.Tool) {
		return nil, fmt.Errorf("%w: agent=%s tool=%s", contractx.ErrCapabilityDenied, agent, req.Tool)
	}
	t, ok := d.registry.Lookup(req.Tool)
	if !ok {
		return nil, fmt.Errorf("%w: %s", contractx.ErrToolNotFound, req.Tool)
	}

	args := req.Args
	if args == nil {
		args = map[string]any{}
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: arguments are not serialisable: %v", contractx.ErrToolValidation, err)
	}
	if len(rawArgs) > d.cfg.MaxArgsBytes {
		return nil, fmt.Errorf("%w: arguments are %d bytes, limit %d", contractx.ErrToolValidation, len(rawArgs), d.cfg.MaxArgsBytes)
	}
	if err := validateArgs(t.Params, args); err != nil {
		return nil, err
	}

	out, err := d.run(ctx, t, Call{
		IdempotencyKey: key,
		Agent:          agent,
		Customer:       scope.Customer,
		Args:           cloneArgs(args),
	})
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("%w: encode result: %v", contractx.ErrToolExecution, err)
	}
	if len(raw) > d.cfg.MaxResultBytes {
		return nil, fmt.Errorf("%w: result is %d bytes, limit %d", contractx.ErrToolResultTooLarge, len(raw), d.cfg.MaxResultBytes)
	}
	return raw, nil
}

type handlerResult struct {
	out any
	err error
}

func (d *Dispatcher) run(ctx context.Context, t Tool, call Call) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("%w: panic: %v", contractx.ErrToolExecution, r)}
			}
		}()
		out, err := t.Handler(callCtx, call)
		done <- handlerResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return res.out, nil
		}
		if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s after %s", contractx.ErrToolTimeout, t.Name, d.cfg.Timeout)
		}
		if isDispatchError(res.err) {
			return nil, res.err
		}
		return nil, fmt.Errorf("%w: %v", contractx.ErrToolExecution, res.err)
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %v", contractx.ErrToolExecution, t.Name, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s after %s", contractx.ErrToolTimeout, t.Name, d.cfg.Timeout)
	}
}

func isDispatchError(err error) bool {
	return errors.Is(err, contractx.ErrCapabilityDenied) ||
		errors.Is(err, contractx.ErrToolValidation) ||
		errors.Is(err, contractx.ErrToolExecution) ||
		errors.Is(err, contractx.ErrToolTimeout)
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		out := make(map[string]any, len(args))
		for k, v := range args {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return args
	}
	return out
}
