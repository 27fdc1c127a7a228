package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
)

const (
	defaultMaxSummaryChars = 1200
	maxLineRunes           = 200
)

const condensePrompt = `You maintain the running summary of a customer support conversation.
You get the previous summary and the newest turns. Return an updated summary in plain text,
at most 120 words, keeping facts the support desk needs later: who the customer is, what they asked,
what was looked up or booked, open issues. Do not invent details. Return only the summary.`

// ModelCondenser summarises with a chat completion over the OpenAI-compatible API.
type ModelCondenser struct {
	client *openaisdk.Client
	model  string
}

func NewModelCondenser(client *openaisdk.Client, model string) (*ModelCondenser, error) {
	if client == nil {
		return nil, errors.New("openai client is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("summary model is required")
	}
	return &ModelCondenser{client: client, model: strings.TrimSpace(model)}, nil
}

func (c *ModelCondenser) Condense(ctx context.Context, previous string, turns []statex.Turn) (string, error) {
	var b strings.Builder
	b.WriteString("Previous summary:\n")
	if strings.TrimSpace(previous) == "" {
		b.WriteString("(none)\n")
	} else {
		b.WriteString(strings.TrimSpace(previous))
		b.WriteString("\n")
	}
	b.WriteString("\nNew turns:\n")
	for _, t := range turns {
		b.WriteString(transcriptLine(t))
		b.WriteString("\n")
	}

	resp, err := c.client.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.SystemMessage(condensePrompt),
			openaisdk.UserMessage(b.String()),
		},
		Temperature: openaisdk.Float(0.2),
	})
	if err != nil {
		return "", fmt.Errorf("%w: summary completion: %v", contractx.ErrModelInvoke, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: summary completion returned no choices", contractx.ErrSchemaViolation)
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", fmt.Errorf("%w: summary completion is empty", contractx.ErrSchemaViolation)
	}
	return out, nil
}

// ExtractiveCondenser needs no model: it appends one clipped line per turn
// and keeps the newest MaxChars characters.
type ExtractiveCondenser struct {
	MaxChars int
}

func (c ExtractiveCondenser) Condense(ctx context.Context, previous string, turns []statex.Turn) (string, error) {
	limit := c.MaxChars
	if limit <= 0 {
		limit = defaultMaxSummaryChars
	}

	lines := make([]string, 0, len(turns)+1)
	if p := strings.TrimSpace(previous); p != "" {
		lines = append(lines, p)
	}
	for _, t := range turns {
		lines = append(lines, transcriptLine(t))
	}
	out := strings.Join(lines, "\n")

	if r := []rune(out); len(r) > limit {
		out = "..." + string(r[len(r)-limit:])
	}
	return out, nil
}

// FallbackCondenser tries Primary and degrades to Fallback on error.
type FallbackCondenser struct {
	Primary  contractx.Condenser
	Fallback contractx.Condenser
}

func (c FallbackCondenser) Condense(ctx context.Context, previous string, turns []statex.Turn) (string, error) {
	if c.Primary != nil {
		out, err := c.Primary.Condense(ctx, previous, turns)
		if err == nil {
			return out, nil
		}
		if c.Fallback == nil {
			return "", err
		}
		log.Warn().Err(err).Msg("primary condenser failed, using fallback")
	}
	if c.Fallback == nil {
		return "", errors.New("no condenser configured")
	}
	return c.Fallback.Condense(ctx, previous, turns)
}

func transcriptLine(t statex.Turn) string {
	speaker := string(t.Role)
	if t.Role == statex.RoleAgent && t.Agent != "" {
		speaker = "agent(" + string(t.Agent) + ")"
	}
	content := strings.Join(strings.Fields(t.Content), " ")
	if r := []rune(content); len(r) > maxLineRunes {
		content = string(r[:maxLineRunes]) + "..."
	}
	line := speaker + ": " + content
	if n := len(t.ToolCalls); n > 0 {
		names := make([]string, 0, n)
		for _, c := range t.ToolCalls {
			names = append(names, c.Tool)
		}
		line += " [tools: " + strings.Join(names, ", ") + "]"
	}
	return line
}
