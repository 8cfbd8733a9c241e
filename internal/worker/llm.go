package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/conductorhq/conductor/pkg/models"
)

// Inference is the completion surface the LLM worker needs. Satisfied by
// *inference.Client.
type Inference interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

const llmSystemPrompt = `You are a capable assistant executing one step of a
larger plan. Complete the step and reply with the result only.`

// LLMWorker is the general-purpose inference-backed worker. It is the
// catch-all target for fallback plans and AGENT-kind catalog entries without
// a dedicated implementation.
type LLMWorker struct {
	id        string
	inference Inference
}

// NewLLMWorker creates an inference-backed worker with the given id.
func NewLLMWorker(id string, inf Inference) *LLMWorker {
	return &LLMWorker{id: id, inference: inf}
}

// ID implements Worker.
func (w *LLMWorker) ID() string { return w.id }

// Execute renders the step as a prompt and returns the completion.
func (w *LLMWorker) Execute(ctx context.Context, step *models.Step) (string, error) {
	var b strings.Builder
	b.WriteString(step.Description)

	if len(step.Input) > 0 {
		input, err := json.Marshal(step.Input)
		if err == nil {
			fmt.Fprintf(&b, "\n\nInput:\n%s", input)
		}
	}

	output, err := w.inference.Complete(ctx, llmSystemPrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("worker %s: %w", w.id, err)
	}
	return output, nil
}
