package llm

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	openrouterx "github.com/tanpawarit/udahub-support-orchestrator/pkg/openrouter"
)

// Config is the OPENROUTER_* section. Per-agent model and temperature
// overrides fall back to the defaults; a negative temperature means unset.
type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" default:"openai/gpt-4o-mini"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.2"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`

	KnowledgeModel       string  `envconfig:"KNOWLEDGE_MODEL" split_words:"true"`
	ActionModel          string  `envconfig:"ACTION_MODEL" split_words:"true"`
	CalculationModel     string  `envconfig:"CALCULATION_MODEL" split_words:"true"`
	SummarizationModel   string  `envconfig:"SUMMARIZATION_MODEL" split_words:"true"`
	KnowledgeTemperature float32 `envconfig:"KNOWLEDGE_TEMPERATURE" split_words:"true" default:"-1"`
	ActionTemperature    float32 `envconfig:"ACTION_TEMPERATURE" split_words:"true" default:"0"`
	// Calculation stays deterministic unless overridden.
	CalculationTemperature   float32 `envconfig:"CALCULATION_TEMPERATURE" split_words:"true" default:"0"`
	SummarizationTemperature float32 `envconfig:"SUMMARIZATION_TEMPERATURE" split_words:"true" default:"-1"`
}

// Enabled reports whether model-backed agents can be built.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: openrouter api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: model timeout must be positive", contractx.ErrValidation)
	}
	return nil
}

func (c Config) OpenRouterFor(agentType contractx.AgentType) openrouterx.Config {
	modelName := strings.TrimSpace(c.Model)
	temp := c.Temperature

	override := func(model string, temperature float32) {
		if v := strings.TrimSpace(model); v != "" {
			modelName = v
		}
		if temperature >= 0 {
			temp = temperature
		}
	}

	switch agentType {
	case contractx.AgentTypeKnowledge:
		override(c.KnowledgeModel, c.KnowledgeTemperature)
	case contractx.AgentTypeAction:
		override(c.ActionModel, c.ActionTemperature)
	case contractx.AgentTypeCalculation:
		override(c.CalculationModel, c.CalculationTemperature)
	case contractx.AgentTypeSummarization:
		override(c.SummarizationModel, c.SummarizationTemperature)
	}

	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              modelName,
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        temp,
		Timeout:            c.Timeout,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
	}
}
