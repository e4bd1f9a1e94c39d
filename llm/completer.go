package llm

import "context"

// Prompt is a single system + user exchange sent to a model.
type Prompt struct {
	System      string   `json:"system,omitempty"`
	User        string   `json:"user"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Chunk is one piece of incrementally produced text. A chunk with a non-nil
// Err is always the last one delivered.
type Chunk struct {
	Text string
	Err  error
}

// Completer turns a prompt into text.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// Streamer is implemented by completers that can deliver text incrementally.
// The returned channel is closed once the response is finished.
type Streamer interface {
	Stream(ctx context.Context, p Prompt) (<-chan Chunk, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, p Prompt) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, p Prompt) (string, error) {
	return f(ctx, p)
}

// Temperature returns a pointer suitable for Prompt.Temperature.
func Temperature(t float64) *float64 { return &t }
