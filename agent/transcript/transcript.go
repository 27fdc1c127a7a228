package transcript

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
)

type ToolCallEntry struct {
	ID         string `json:"id"`
	Tool       string `json:"tool"`
	Code       string `json:"code,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Entry is one line of a session transcript.
type Entry struct {
	SessionID string               `json:"session_id"`
	Version   int64                `json:"version"`
	Index     int                  `json:"index"`
	Role      statex.Role          `json:"role"`
	Agent     statex.AgentType     `json:"agent,omitempty"`
	Content   string               `json:"content"`
	ToolCalls []ToolCallEntry      `json:"tool_calls,omitempty"`
	Status    statex.SessionStatus `json:"status"`
	Escalated bool                 `json:"escalated"`
	CreatedAt time.Time            `json:"created_at"`
}

func FromCheckpoint(cp *statex.Checkpoint) []Entry {
	if cp == nil || cp.State == nil {
		return nil
	}
	st := cp.State
	out := make([]Entry, 0, len(st.Turns))
	for _, t := range st.Turns {
		e := Entry{
			SessionID: st.Session.ID,
			Version:   cp.Version,
			Index:     t.Index,
			Role:      t.Role,
			Agent:     t.Agent,
			Content:   t.Content,
			Status:    st.Session.Status,
			Escalated: st.EscalationFlag,
			CreatedAt: t.CreatedAt,
		}
		for _, c := range t.ToolCalls {
			e.ToolCalls = append(e.ToolCalls, ToolCallEntry{
				ID:         c.ID,
				Tool:       c.Tool,
				Code:       c.Code,
				Error:      c.Error,
				DurationMS: c.DurationMS,
			})
		}
		out = append(out, e)
	}
	return out
}

// WriteNDJSON writes one JSON object per line.
func WriteNDJSON(w io.Writer, entries []Entry) error {
	enc := json.NewEncoder(w)
	for i, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode transcript entry %d: %w", i, err)
		}
	}
	return nil
}
