// Package providers talks to OpenAI-compatible chat completion APIs.
//
// Supported presets: SiliconFlow, DashScope, and any endpoint that speaks the
// /chat/completions wire format.
package providers

import (
	"context"
	"fmt"
)

// Provider produces a reply for a chat request.
type Provider interface {
	Name() string
	DefaultModel() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a non-streaming completion request.
type ChatRequest struct {
	Messages    []Message
	Model       string  // empty uses the provider default
	MaxTokens   int     // 0 leaves it to the provider
	Temperature float64 // 0 leaves it to the provider
}

// ChatResponse is the first choice of a completion.
type ChatResponse struct {
	Content      string
	FinishReason string
	Usage        *Usage
}

// Usage is token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// HTTPError is a non-2xx response from a provider.
type HTTPError struct {
	Provider string
	Status   int
	Body     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Status, e.Body)
}
