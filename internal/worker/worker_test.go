package worker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/conductorhq/conductor/pkg/models"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	w := &FuncWorker{WorkerID: "w1", ExecuteFn: func(ctx context.Context, step *models.Step) (string, error) {
		return "ok", nil
	}}

	if err := r.Register(w); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(w); err == nil {
		t.Fatal("expected error for duplicate registration")
	}

	if got := r.Get("w1"); got == nil {
		t.Fatal("Get(w1) = nil")
	}
	if got := r.Get("missing"); got != nil {
		t.Fatalf("Get(missing) = %v, want nil", got)
	}
}

func TestFuncWorkerExecute(t *testing.T) {
	w := &FuncWorker{WorkerID: "w1", ExecuteFn: func(ctx context.Context, step *models.Step) (string, error) {
		return "output for " + step.ID, nil
	}}

	out, err := w.Execute(context.Background(), &models.Step{ID: "s1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "output for s1" {
		t.Errorf("output = %q", out)
	}
}

func TestFuncWorkerWithoutExecuteFn(t *testing.T) {
	w := &FuncWorker{WorkerID: "w1"}
	if _, err := w.Execute(context.Background(), &models.Step{}); err == nil {
		t.Fatal("expected error without execute function")
	}
}

func TestFuncWorkerCompensate(t *testing.T) {
	var compensated bool
	w := &FuncWorker{WorkerID: "w1", CompensateFn: func(ctx context.Context, step *models.Step) error {
		compensated = true
		return nil
	}}

	var c Compensator = w
	if err := c.Compensate(context.Background(), &models.Step{}); err != nil {
		t.Fatalf("compensate: %v", err)
	}
	if !compensated {
		t.Error("compensation function not called")
	}
}

type fakeInference struct {
	lastPrompt string
	response   string
	err        error
}

func (f *fakeInference) Complete(ctx context.Context, system, prompt string) (string, error) {
	f.lastPrompt = prompt
	return f.response, f.err
}

func TestLLMWorkerExecute(t *testing.T) {
	inf := &fakeInference{response: "the answer"}
	w := NewLLMWorker("general", inf)

	step := &models.Step{
		ID:          "s1",
		Description: "summarize the topic",
		Input:       map[string]any{"topic": "golang"},
	}

	out, err := w.Execute(context.Background(), step)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "the answer" {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(inf.lastPrompt, "summarize the topic") {
		t.Errorf("prompt missing description: %q", inf.lastPrompt)
	}
	if !strings.Contains(inf.lastPrompt, "golang") {
		t.Errorf("prompt missing input: %q", inf.lastPrompt)
	}
}

func TestLLMWorkerPropagatesError(t *testing.T) {
	w := NewLLMWorker("general", &fakeInference{err: errors.New("boom")})
	if _, err := w.Execute(context.Background(), &models.Step{Description: "x"}); err == nil {
		t.Fatal("expected error")
	}
}
