// Package title produces short report titles from a conversation's original
// post. Generation is best effort: every failure is logged and reported as
// "no title" so callers never have to handle it.
package title

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

const (
	maxTitleRunes = 80
	maxInputRunes = 2000
)

// Generator returns a short title for text, or false when none was produced.
type Generator interface {
	GenerateTitle(ctx context.Context, text string) (string, bool)
}

// Noop never produces a title.
type Noop struct{}

// GenerateTitle implements Generator.
func (Noop) GenerateTitle(context.Context, string) (string, bool) { return "", false }

// Config configures the LLM-backed generator.
type Config struct {
	Model   string
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Logger  *zap.Logger
}

// LLM generates titles with a langchaingo model.
type LLM struct {
	model   llms.Model
	timeout time.Duration
	logger  *zap.Logger
}

// NewOpenAI builds an LLM generator over an OpenAI-compatible endpoint.
func NewOpenAI(cfg Config) (*LLM, error) {
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai model: %w", err)
	}
	return NewLLM(model, cfg.Timeout, cfg.Logger), nil
}

// NewLLM wraps an existing model.
func NewLLM(model llms.Model, timeout time.Duration, logger *zap.Logger) *LLM {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &LLM{model: model, timeout: timeout, logger: logger.Named("title")}
}

// GenerateTitle asks the model for a title and parses its JSON reply leniently.
func (g *LLM) GenerateTitle(ctx context.Context, text string) (string, bool) {
	text = strings.TrimSpace(text)
	if g == nil || g.model == nil || text == "" {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	raw, err := llms.GenerateFromSinglePrompt(ctx, g.model, prompt(text),
		llms.WithTemperature(0.3),
		llms.WithMaxTokens(64),
	)
	if err != nil {
		g.logger.Warn("title generation failed", zap.Error(err))
		return "", false
	}
	title, err := parse(raw)
	if err != nil {
		g.logger.Debug("title response unusable", zap.Error(err), zap.String("raw", raw))
		return "", false
	}
	return title, true
}

func prompt(text string) string {
	if utf8.RuneCountInString(text) > maxInputRunes {
		text = string([]rune(text)[:maxInputRunes])
	}
	return "Write a short, neutral title (at most 8 words) summarizing what this post asks " +
		"its readers. Respond only with JSON of the form {\"title\": \"...\"}.\n\nPost:\n" + text
}

func parse(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return "", fmt.Errorf("repair title json: %w", err)
	}
	var out struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return "", fmt.Errorf("decode title json: %w", err)
	}
	title := strings.Join(strings.Fields(out.Title), " ")
	title = strings.Trim(title, `"'`)
	if title == "" {
		return "", fmt.Errorf("empty title")
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = strings.TrimSpace(string([]rune(title)[:maxTitleRunes]))
	}
	return title, nil
}
