// Package model defines the provider-agnostic LLM client contract the
// intent parser, the assistant worker and the summarizer depend on.
// Provider drivers live under features/model; the middleware in this
// package adds retries, provider fallback and client-side rate limiting
// as composable wrappers so consumers always observe a single logical
// client.
package model

import (
	"context"
	"errors"
)

type (
	// Client is the contract consumers use to invoke LLM calls.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider-specific formats. Clients are safe for concurrent use.
	Client interface {
		// Complete sends a completion request and returns the full
		// response. In JSON mode the response carries the final decoded
		// object.
		Complete(ctx context.Context, req Request) (*Response, error)

		// Stream sends a completion request and returns a Streamer
		// yielding ordered chunks. Providers without streaming support
		// return ErrStreamingUnsupported. The returned Streamer must be
		// closed by the caller; cancellation of ctx propagates to the
		// underlying HTTP call.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive Recv calls
	// return chunks until io.EOF. Safe to call from a single goroutine.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close releases the underlying connection.
		Close() error
	}

	// Mode selects the output discipline of a request.
	Mode string

	// Request captures the normalized parameters of one model invocation.
	Request struct {
		// Model overrides the provider's configured default identifier.
		Model string
		// Messages is the ordered chat history, including the system
		// prompt, user inputs and prior assistant turns.
		Messages []Message
		// Mode selects free text or strict JSON output.
		Mode Mode
		// Schema is the JSON Schema document (decoded form) the output
		// must satisfy in ModeJSON. Providers enforce it via tool forcing
		// or response_format where supported.
		Schema any
		// MaxTokens caps the completion length. Zero uses the provider
		// default.
		MaxTokens int
		// Temperature controls sampling; zero means greedy decoding.
		Temperature float32
	}

	// Message is one chat turn.
	Message struct {
		// Role is "system", "user" or "assistant".
		Role string
		// Content is the message text.
		Content string
	}

	// Response is a complete (non-streamed) model answer.
	Response struct {
		// Text is the generated text. Empty in ModeJSON when the provider
		// returned only the structured object.
		Text string
		// JSON is the decoded final object in ModeJSON.
		JSON map[string]any
		// Provider tags which backend served the response, useful when a
		// fallback was involved.
		Provider string
	}

	// ChunkType discriminates streaming events.
	ChunkType string

	// Chunk is one streaming event: an ordered text fragment, the optional
	// final JSON object, or the terminal marker.
	Chunk struct {
		// Type is the chunk kind.
		Type ChunkType
		// Text is the fragment when Type == ChunkText.
		Text string
		// JSON is the final object when Type == ChunkJSON.
		JSON map[string]any
	}
)

const (
	// ModeText requests free-form text.
	ModeText Mode = "text"
	// ModeJSON requests strict JSON output validating against
	// Request.Schema.
	ModeJSON Mode = "json"
)

const (
	// ChunkText carries an ordered text fragment.
	ChunkText ChunkType = "text"
	// ChunkJSON carries the final structured object in JSON mode.
	ChunkJSON ChunkType = "json"
	// ChunkDone marks the end of generation. Streams also end with io.EOF
	// from Recv after the done chunk.
	ChunkDone ChunkType = "done"
)

var (
	// ErrStreamingUnsupported indicates the provider does not implement
	// streaming for the requested model or parameters.
	ErrStreamingUnsupported = errors.New("model: streaming not supported")

	// ErrRateLimited indicates the provider rejected the call for quota
	// reasons. The adaptive limiter backs off on it.
	ErrRateLimited = errors.New("model: rate limited")
)

// Middleware wraps a Client with additional behavior.
type Middleware func(Client) Client

// Chain applies middlewares so the first listed is outermost.
func Chain(c Client, mws ...Middleware) Client {
	for i := len(mws) - 1; i >= 0; i-- {
		c = mws[i](c)
	}
	return c
}
