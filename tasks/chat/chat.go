package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"google.golang.org/genai"

	"github.com/xraph/jobq/backoff"
	"github.com/xraph/jobq/job"
)

// TaskName is the name the chat task is registered under.
const TaskName = "chat.generate"

var (
	// ErrEmptyReply is returned when the model produced no text.
	ErrEmptyReply = errors.New("chat: empty reply")
	// ErrBlocked is returned when the reply was withheld by safety filters.
	ErrBlocked = errors.New("chat: reply blocked by safety filters")
)

// Message is one turn of a conversation. Roles follow the usual chat
// conventions: user or human, assistant, ai or model, and system.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user human assistant ai model system"`
	Content string `json:"content" validate:"required"`
}

// Request is the input of the chat task.
type Request struct {
	Messages []Message `json:"messages" validate:"required,min=1,dive"`
}

// Reply is the output of the chat task.
type Reply struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Generator is the part of the Gemini client the task uses. *genai.Models
// satisfies it.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Config holds the model settings.
type Config struct {
	Model           string  `mapstructure:"model" validate:"required"`
	MaxOutputTokens int32   `mapstructure:"max_output_tokens" validate:"gt=0"`
	Temperature     float32 `mapstructure:"temperature" validate:"gte=0,lte=2"`
	// Normalize cleans message text before it is sent (see NormalizeText).
	Normalize bool `mapstructure:"normalize"`
	// Timeout, when set, overrides the engine default for chat jobs.
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Model:           "gemini-2.0-flash",
		MaxOutputTokens: 8192,
		Temperature:     0,
		Timeout:         60 * time.Second,
	}
}

var validate = validator.New()

// NewClient creates a Gemini API client and returns its model service.
func NewClient(ctx context.Context, apiKey string) (Generator, error) {
	if apiKey == "" {
		return nil, errors.New("chat: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: create gemini client: %w", err)
	}
	return client.Models, nil
}

// NewDefinition returns the chat.generate task backed by gen.
func NewDefinition(gen Generator, cfg Config, logger *slog.Logger) *job.Definition[Request, Reply] {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{gen: gen, cfg: cfg, logger: logger}

	var opts []job.Option
	if cfg.Timeout > 0 {
		opts = append(opts, job.WithTimeout(cfg.Timeout))
	}
	return job.NewDefinition(TaskName, h.generate, opts...)
}

type handler struct {
	gen    Generator
	cfg    Config
	logger *slog.Logger
}

func (h *handler) generate(ctx context.Context, req Request) (Reply, error) {
	if err := validate.Struct(req); err != nil {
		return Reply{}, job.Permanent(fmt.Errorf("chat: invalid request: %w", err))
	}

	contents, system := h.contents(req.Messages)
	if len(contents) == 0 {
		return Reply{}, job.Permanent(errors.New("chat: request has no user or model turns"))
	}

	config := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(h.cfg.Temperature),
		MaxOutputTokens:   h.cfg.MaxOutputTokens,
		SystemInstruction: system,
	}

	h.logger.Info("processing chat request",
		slog.Int("messages", len(req.Messages)),
		slog.String("model", h.cfg.Model),
	)
	resp, err := h.gen.GenerateContent(ctx, h.cfg.Model, contents, config)
	if err != nil {
		return Reply{}, classify(fmt.Errorf("chat: generate content: %w", err))
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return Reply{}, ErrEmptyReply
	}

	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return Reply{}, job.Permanent(ErrBlocked)
	}
	if cand.Content == nil {
		return Reply{}, ErrEmptyReply
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return Reply{}, ErrEmptyReply
	}

	h.logger.Info("chat request completed", slog.Int("reply_bytes", sb.Len()))
	return Reply{
		Content:      sb.String(),
		Model:        h.cfg.Model,
		FinishReason: string(cand.FinishReason),
	}, nil
}

// contents converts messages to Gemini turns. System messages are joined
// into the system instruction.
func (h *handler) contents(msgs []Message) ([]*genai.Content, *genai.Content) {
	var (
		contents []*genai.Content
		system   []*genai.Part
	)
	for _, m := range msgs {
		text := m.Content
		if h.cfg.Normalize {
			text = NormalizeText(text)
		}
		part := &genai.Part{Text: text}

		switch strings.ToLower(m.Role) {
		case "system":
			system = append(system, part)
		case "assistant", "ai", "model":
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{part}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{part}})
		}
	}
	if len(system) == 0 {
		return contents, nil
	}
	return contents, &genai.Content{Parts: system}
}

// rateLimitedDelay is the minimum wait before retrying a rate-limited call.
const rateLimitedDelay = 15 * time.Second

// classify marks rate limits as retryable no sooner than rateLimitedDelay
// and client errors as permanent. Everything else stays retryable.
func classify(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	switch {
	case code == 429:
		return backoff.RetryAfter(err, rateLimitedDelay)
	case code == 400 || code == 401 || code == 403 || code == 404:
		return job.Permanent(err)
	}
	return err
}
