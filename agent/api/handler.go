package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
	transcriptx "github.com/tanpawarit/udahub-support-orchestrator/agent/transcript"
	workflowx "github.com/tanpawarit/udahub-support-orchestrator/agent/workflow"
)

const maxBodyBytes = 64 << 10

type TurnEngine interface {
	RunTurn(ctx context.Context, sessionID, input string, opts ...workflowx.TurnOption) (workflowx.TurnResult, error)
	CloseSession(ctx context.Context, sessionID string) (int64, error)
	Transcript(ctx context.Context, sessionID string) ([]transcriptx.Entry, error)
}

type SummaryRunner interface {
	Run(ctx context.Context, task contractx.SummaryTask) (bool, error)
}

type SignatureVerifier interface {
	Verify(signature string, body []byte, destinationURL string) error
}

type Handler struct {
	engine      TurnEngine
	summarizer  SummaryRunner
	verifier    SignatureVerifier
	callbackURL string
}

type Option func(*Handler)

// WithSummaryCallback enables POST /internal/summaries. A nil verifier
// accepts unsigned deliveries and is meant for local runs only.
func WithSummaryCallback(runner SummaryRunner, verifier SignatureVerifier, callbackURL string) Option {
	return func(h *Handler) {
		h.summarizer = runner
		h.verifier = verifier
		h.callbackURL = callbackURL
	}
}

func NewHandler(engine TurnEngine, opts ...Option) *Handler {
	h := &Handler{engine: engine}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the HTTP surface with the shared middleware stack.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Heartbeat("/health"))
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", h.HandleNewSession)
		r.Post("/{sessionID}/turns", h.HandleTurn)
		r.Get("/{sessionID}/transcript", h.HandleTranscript)
		r.Post("/{sessionID}/close", h.HandleClose)
	})
	if h.summarizer != nil {
		r.Post("/internal/summaries", h.HandleSummary)
	}
}

type customerPayload struct {
	AccountID string `json:"account_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	TicketID  string `json:"ticket_id,omitempty"`
}

type turnRequest struct {
	Message  string           `json:"message"`
	Customer *customerPayload `json:"customer,omitempty"`
}

type turnResponse struct {
	SessionID string                 `json:"session_id"`
	Response  string                 `json:"response"`
	Escalated bool                   `json:"escalated"`
	Version   int64                  `json:"version"`
	Agent     contractx.AgentType    `json:"agent,omitempty"`
	Actions   []contractx.NextAction `json:"actions,omitempty"`
	ToolCalls int                    `json:"tool_calls"`
}

func (h *Handler) HandleNewSession(w http.ResponseWriter, r *http.Request) {
	h.runTurn(w, r, "")
}

func (h *Handler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	h.runTurn(w, r, chi.URLParam(r, "sessionID"))
}

func (h *Handler) runTurn(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	var opts []workflowx.TurnOption
	if req.Customer != nil {
		opts = append(opts, workflowx.WithCustomer(statex.CustomerContext{
			AccountID: strings.TrimSpace(req.Customer.AccountID),
			UserID:    strings.TrimSpace(req.Customer.UserID),
			TicketID:  strings.TrimSpace(req.Customer.TicketID),
		}))
	}

	out, err := h.engine.RunTurn(r.Context(), sessionID, req.Message, opts...)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	JSON(w, http.StatusOK, turnResponse{
		SessionID: out.SessionID,
		Response:  out.Response,
		Escalated: out.Escalated,
		Version:   out.Version,
		Agent:     out.Agent,
		Actions:   out.Actions,
		ToolCalls: out.ToolCalls,
	})
}

func (h *Handler) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.Transcript(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if err := transcriptx.WriteNDJSON(w, entries); err != nil {
		log.Warn().Err(err).Msg("write transcript failed")
	}
}

func (h *Handler) HandleClose(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	version, err := h.engine.CloseSession(r.Context(), sessionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "version": version, "status": statex.SessionClosed})
}

// HandleSummary is the QStash delivery endpoint. Non-2xx answers make
// QStash retry, so only malformed or unsigned requests are rejected for good.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		Error(w, http.StatusBadRequest, "read body failed")
		return
	}
	if h.verifier != nil {
		if err := h.verifier.Verify(r.Header.Get("Upstash-Signature"), body, h.callbackURL); err != nil {
			log.Warn().Err(err).Msg("rejected summary delivery")
			Error(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	var task contractx.SummaryTask
	if err := json.Unmarshal(body, &task); err != nil || strings.TrimSpace(task.SessionID) == "" {
		Error(w, http.StatusBadRequest, "invalid summary task")
		return
	}

	applied, err := h.summarizer.Run(r.Context(), task)
	if err != nil {
		if errors.Is(err, statex.ErrStateNotFound) {
			// Nothing to retry for a session that does not exist.
			JSON(w, http.StatusOK, map[string]any{"applied": false})
			return
		}
		log.Warn().Err(err).Str("session_id", task.SessionID).Msg("summary delivery failed")
		Error(w, http.StatusServiceUnavailable, "summary failed")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"applied": applied})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response failed")
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, contractx.ErrValidation), errors.Is(err, statex.ErrInvalidSession):
		return http.StatusBadRequest
	case errors.Is(err, statex.ErrStateNotFound):
		return http.StatusNotFound
	case errors.Is(err, contractx.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, contractx.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, contractx.ErrPersistenceFailure),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := http.StatusText(status)
	if status == http.StatusBadRequest {
		message = err.Error()
	}
	Error(w, status, message)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Info().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
