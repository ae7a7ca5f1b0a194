// Package llm defines the text model used to grade finished sessions.
//
// koojai only ever asks one question per session: "here is the conversation,
// reply with a report". A request is therefore a pair of instructions and a
// single prompt rather than a chat history, and every backend is expected to
// return the whole reply at once.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// CompletionRequest is one grading request.
type CompletionRequest struct {
	// Instructions is sent as the system message. Optional.
	Instructions string

	// Prompt is the single user message. Required.
	Prompt string

	// MaxTokens caps the reply length. Zero means backend default.
	MaxTokens int

	// JSON asks the backend to constrain the reply to one JSON object. Callers
	// must still parse defensively: not every backend can enforce it.
	JSON bool
}

// Usage is the token accounting reported by the backend. Zero when the backend
// does not report it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Total returns the sum of prompt and completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// CompletionResponse is the model reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is a text model backend.
type Provider interface {
	// Complete sends req and waits for the full reply, or until ctx is done.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// JSONReminder is appended to the instructions by backends without a native
// JSON mode when [CompletionRequest.JSON] is set.
const JSONReminder = "Respond with a single JSON object only, with no surrounding text or markdown."
