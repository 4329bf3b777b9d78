package agents

import (
	"context"
	"errors"
	"testing"

	"remedyci/internal/remediation/agent"
	"remedyci/internal/remediation/task"
	pkgerrors "remedyci/pkg/errors"
)

func TestPlanner_ProducesPlanAndRetrieveTask(t *testing.T) {
	fake := &fakeLLM{reply: "```json\n{\"steps\": [\"fix import\"], \"hints\": [\"Foo.java\"]}\n```"}
	p := NewPlanner(fake, quietLogger())

	res := p.Run(context.Background(), &agent.Context{
		Task: testTask(task.KindPlan, nil), Build: testBuild(), Store: &fakeStore{},
	})
	if res.Status != agent.StatusSuccess {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	if len(res.NextTasks) != 1 || res.NextTasks[0].Kind != task.KindRetrieve {
		t.Errorf("next = %+v, want RETRIEVE", res.NextTasks)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Plan == nil {
		t.Fatalf("artifacts = %+v, want plan", res.Artifacts)
	}
	plan := res.Artifacts[0].Plan
	if len(plan.Steps) != 1 || plan.Steps[0] != "fix import" {
		t.Errorf("plan steps = %v", plan.Steps)
	}
	if len(fake.prompts) != 1 {
		t.Fatalf("llm calls = %d", len(fake.prompts))
	}
}

func TestPlanner_InvalidJSONRetries(t *testing.T) {
	fake := &fakeLLM{reply: "sorry, I cannot help with that"}
	p := NewPlanner(fake, quietLogger())
	res := p.Run(context.Background(), &agent.Context{
		Task: testTask(task.KindPlan, nil), Build: testBuild(), Store: &fakeStore{},
	})
	if res.Status != agent.StatusRetry {
		t.Errorf("status = %v, want retry", res.Status)
	}
}

func TestPlanner_TransientLLMErrorRetries(t *testing.T) {
	fake := &fakeLLM{err: pkgerrors.Transient(errors.New("429"))}
	p := NewPlanner(fake, quietLogger())
	res := p.Run(context.Background(), &agent.Context{
		Task: testTask(task.KindPlan, nil), Build: testBuild(), Store: &fakeStore{},
	})
	if res.Status != agent.StatusRetry {
		t.Errorf("status = %v, want retry", res.Status)
	}
}

func TestPlanner_PermanentLLMErrorFails(t *testing.T) {
	fake := &fakeLLM{err: pkgerrors.Permanent(errors.New("invalid api key"))}
	p := NewPlanner(fake, quietLogger())
	res := p.Run(context.Background(), &agent.Context{
		Task: testTask(task.KindPlan, nil), Build: testBuild(), Store: &fakeStore{},
	})
	if res.Status != agent.StatusFailed {
		t.Errorf("status = %v, want failed", res.Status)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		"{\"a\":1}":                        "{\"a\":1}",
		"```json\n{\"a\":1}\n```":          "{\"a\":1}",
		"Here is the plan:\n```\n[1]\n```": "[1]",
		"prose first {\"a\":1}":            "{\"a\":1}",
	}
	for in, want := range cases {
		if got := extractJSON(in); got != want {
			t.Errorf("extractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}
