package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	gobreaker "github.com/sony/gobreaker/v2"
)

// InsightOutput is the structured response requested from the model.
type InsightOutput struct {
	Summary         string   `json:"summary" jsonschema_description:"Short summary of baseline behavior and deviations"`
	Recommendations []string `json:"recommendations" jsonschema_description:"Operator follow-ups"`
}

// Generator produces a structured insight for a context document. The
// result is the decoded JSON object, unvalidated.
type Generator interface {
	GenerateInsight(ctx context.Context, contextJSON []byte) (map[string]any, error)
}

// LLMConfig configures the OpenAI-compatible generation client.
type LLMConfig struct {
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	Model           string        `yaml:"model"`
	FallbackModels  []string      `yaml:"fallback_models"`
	Temperature     float64       `yaml:"temperature"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxContextChars int           `yaml:"max_context_chars"`
	Breaker         BreakerConfig `yaml:"breaker"`
}

// DefaultLLMConfig returns the default generation settings. No key is set,
// so generation is off until configured.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Model:           "gpt-4o-mini",
		FallbackModels:  []string{"gpt-4o"},
		Temperature:     0.2,
		Timeout:         60 * time.Second,
		MaxContextChars: 12000,
		Breaker:         DefaultBreakerConfig(),
	}
}

// Enabled reports whether a model endpoint is configured.
func (c LLMConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || c.BaseURL != "")
}

const insightSystemPrompt = "You are an analytics assistant for video surveillance telemetry. " +
	"Respond with JSON that matches the provided schema and nothing else."

const insightUserPrompt = "Summarize the activity baseline and notable deviations in this telemetry context, " +
	"then list concrete recommendations for operators.\n\nContext:\n"

// ErrNoValidOutput is returned when no model produced a JSON object.
var ErrNoValidOutput = errors.New("no model produced valid JSON")

// completer sends one chat completion and returns the message content.
type completer interface {
	complete(ctx context.Context, model, system, prompt string) (string, error)
}

// OpenAIGenerator asks an OpenAI-compatible endpoint for a schema-constrained
// insight, trying the configured models in order.
type OpenAIGenerator struct {
	cfg     LLMConfig
	client  completer
	breaker *gobreaker.CircuitBreaker[string]
	logger  *slog.Logger
}

// NewOpenAIGenerator creates an OpenAIGenerator.
func NewOpenAIGenerator(cfg LLMConfig, logger *slog.Logger) *OpenAIGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return newGenerator(cfg, &openAIChat{
		client:      openai.NewClient(opts...),
		schema:      insightSchema(),
		temperature: cfg.Temperature,
	}, logger)
}

func newGenerator(cfg LLMConfig, c completer, logger *slog.Logger) *OpenAIGenerator {
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = DefaultLLMConfig().MaxContextChars
	}
	return &OpenAIGenerator{
		cfg:     cfg,
		client:  c,
		breaker: newBreaker[string]("llm", cfg.Breaker, logger),
		logger:  logger,
	}
}

// GenerateInsight implements Generator.
func (g *OpenAIGenerator) GenerateInsight(ctx context.Context, contextJSON []byte) (map[string]any, error) {
	doc := string(contextJSON)
	if r := []rune(doc); len(r) > g.cfg.MaxContextChars {
		doc = string(r[:g.cfg.MaxContextChars])
	}
	prompt := insightUserPrompt + doc

	var lastErr error
	for _, model := range g.models() {
		content, err := g.breaker.Execute(func() (string, error) {
			return g.client.complete(ctx, model, insightSystemPrompt, prompt)
		})
		if err != nil {
			lastErr = err
			g.logger.Warn("insight generation failed", "model", model, "error", err)
			if IsBreakerOpen(err) {
				break
			}
			continue
		}

		var out map[string]any
		if err := json.Unmarshal([]byte(content), &out); err != nil || out == nil {
			g.logger.Debug("model returned non-JSON output", "model", model)
			continue
		}
		return out, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNoValidOutput
}

func (g *OpenAIGenerator) models() []string {
	models := make([]string, 0, 1+len(g.cfg.FallbackModels))
	seen := make(map[string]bool)
	for _, m := range append([]string{g.cfg.Model}, g.cfg.FallbackModels...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		models = append(models, m)
	}
	return models
}

type openAIChat struct {
	client      openai.Client
	schema      any
	temperature float64
}

func (c *openAIChat) complete(ctx context.Context, model, system, prompt string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(c.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "insight",
					Description: openai.String("Behavioral summary with recommendations"),
					Schema:      c.schema,
					Strict:      openai.Bool(true),
				},
			},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model %s returned no choices", model)
	}
	return resp.Choices[0].Message.Content, nil
}

func insightSchema() any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return reflector.Reflect(&InsightOutput{})
}
