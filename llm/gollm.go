package llm

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/teilomillet/gollm"
)

// GollmCompleter implements Completer and Streamer on top of gollm. gollm
// keeps sampling options on the LLM value itself, so one instance is built
// per distinct (temperature, max tokens) pair and reused.
type GollmCompleter struct {
	provider string
	model    string

	mu        sync.Mutex
	instances map[gollmSettings]gollm.LLM
	build     func(gollmSettings) (gollm.LLM, error)
}

type gollmSettings struct {
	temperature float64
	maxTokens   int
}

// GollmOption configures a GollmCompleter.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithModel sets the default model.
func WithModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) { c.maxTokens = n }
}

// WithDefaultTemperature sets the temperature used when a prompt sets none.
func WithDefaultTemperature(t float64) GollmOption {
	return func(c *gollmConfig) { c.temperature = t }
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// DefaultModel returns the model used for provider when none is configured.
func DefaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5-20250514"
	case "ollama":
		return "llama3.1"
	default:
		return "gpt-4o-mini"
	}
}

// NewGollmCompleter creates a completer for provider. If apiKey is empty,
// gollm will attempt to read it from environment variables. The first LLM
// instance is built eagerly so configuration problems surface at startup.
func NewGollmCompleter(provider, apiKey string, opts ...GollmOption) (*GollmCompleter, error) {
	cfg := &gollmConfig{
		maxTokens:   4096,
		temperature: 0.1,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.model == "" {
		cfg.model = DefaultModel(provider)
	}

	build := func(s gollmSettings) (gollm.LLM, error) {
		if s.maxTokens == 0 {
			s.maxTokens = cfg.maxTokens
		}
		gollmOpts := []gollm.ConfigOption{
			gollm.SetProvider(provider),
			gollm.SetModel(cfg.model),
			gollm.SetMaxTokens(s.maxTokens),
			gollm.SetTemperature(s.temperature),
			gollm.SetMaxRetries(0), // retries are handled by Client
			gollm.SetLogLevel(gollm.LogLevelWarn),
		}
		if apiKey != "" {
			gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
		}
		gollmOpts = append(gollmOpts, cfg.extraOpts...)

		l, err := gollm.NewLLM(gollmOpts...)
		if err != nil {
			return nil, &Error{
				Kind:     KindUnavailable,
				Provider: provider,
				Message:  fmt.Sprintf("failed to create gollm LLM: %v", err),
				Cause:    err,
			}
		}
		return l, nil
	}

	c := &GollmCompleter{
		provider:  provider,
		model:     cfg.model,
		instances: make(map[gollmSettings]gollm.LLM),
		build:     build,
	}
	if _, err := c.llmFor(Prompt{Temperature: &cfg.temperature, MaxTokens: cfg.maxTokens}); err != nil {
		return nil, err
	}
	return c, nil
}

// Provider returns the provider identifier.
func (c *GollmCompleter) Provider() string { return c.provider }

// Model returns the configured model name.
func (c *GollmCompleter) Model() string { return c.model }

func (c *GollmCompleter) llmFor(p Prompt) (gollm.LLM, error) {
	s := gollmSettings{maxTokens: p.MaxTokens}
	if p.Temperature != nil {
		s.temperature = *p.Temperature
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.instances[s]; ok {
		return l, nil
	}
	l, err := c.build(s)
	if err != nil {
		return nil, err
	}
	c.instances[s] = l
	return l, nil
}

// Complete sends a blocking request and returns the full response text.
func (c *GollmCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	l, err := c.llmFor(p)
	if err != nil {
		return "", err
	}
	text, err := l.Generate(ctx, c.translatePrompt(p))
	if err != nil {
		return "", c.translateError(err)
	}
	return text, nil
}

// Stream sends a streaming request. Providers without streaming support
// deliver the whole response as one chunk.
func (c *GollmCompleter) Stream(ctx context.Context, p Prompt) (<-chan Chunk, error) {
	l, err := c.llmFor(p)
	if err != nil {
		return nil, err
	}
	prompt := c.translatePrompt(p)
	ch := make(chan Chunk, 64)

	if !l.SupportsStreaming() {
		go func() {
			defer close(ch)
			text, err := l.Generate(ctx, prompt)
			if err != nil {
				ch <- Chunk{Err: c.translateError(err)}
				return
			}
			ch <- Chunk{Text: text}
		}()
		return ch, nil
	}

	stream, err := l.Stream(ctx, prompt)
	if err != nil {
		return nil, c.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				ch <- Chunk{Err: c.translateError(err)}
				return
			}
			if token == nil || token.Text == "" {
				continue
			}
			select {
			case ch <- Chunk{Text: token.Text}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (c *GollmCompleter) translatePrompt(p Prompt) *gollm.Prompt {
	text := p.User
	if text == "" {
		text = "Hello"
	}
	var opts []gollm.PromptOption
	if s := strings.TrimSpace(p.System); s != "" {
		opts = append(opts, gollm.WithSystemPrompt(s, gollm.CacheTypeEphemeral))
	}
	if p.MaxTokens > 0 {
		opts = append(opts, gollm.WithMaxLength(p.MaxTokens))
	}
	return gollm.NewPrompt(text, opts...)
}

// translateError classifies gollm errors, which carry no structured status,
// by inspecting the message.
func (c *GollmCompleter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	e := &Error{Provider: c.provider, Message: msg, Cause: err}

	switch {
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "content policy") || strings.Contains(lower, "safety"):
		e.Kind = KindContentPolicy
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key") || strings.Contains(lower, "invalid key"):
		e.Kind, e.StatusCode = KindUnavailable, 401
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		e.Kind, e.StatusCode = KindUnavailable, 403
	case strings.Contains(lower, "404") || strings.Contains(lower, "model not found"):
		e.Kind, e.StatusCode = KindUnavailable, 404
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		e.Kind, e.StatusCode = KindTransient, 429
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "internal server"):
		e.Kind, e.StatusCode = KindTransient, 500
	case strings.Contains(lower, "context canceled"):
		e.Kind = KindUnavailable
	default:
		// Timeouts and unknown failures are retryable.
		e.Kind = KindTransient
	}
	return e
}
