package agents

import (
	"context"
	"testing"

	"remedyci/internal/remediation/agent"
	"remedyci/internal/remediation/task"
)

func TestValidator_PassMovesToCreatePR(t *testing.T) {
	v := NewValidator(ValidatorConfig{Command: "true", MaxRounds: 3}, quietLogger())
	res := v.Run(context.Background(), &agent.Context{
		Task: testTask(task.KindValidate, roundPayload(1)), Build: testBuild(),
		Store: &fakeStore{}, Workdir: t.TempDir(),
	})
	if res.Status != agent.StatusSuccess {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	if len(res.NextTasks) != 1 || res.NextTasks[0].Kind != task.KindCreatePR {
		t.Errorf("next = %+v, want CREATE_PR", res.NextTasks)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Validation == nil || res.Artifacts[0].Validation.ExitCode != 0 {
		t.Errorf("artifacts = %+v", res.Artifacts)
	}
}

func TestValidator_FailureLoopsBackToPatch(t *testing.T) {
	v := NewValidator(ValidatorConfig{Command: "false", MaxRounds: 3}, quietLogger())
	res := v.Run(context.Background(), &agent.Context{
		Task: testTask(task.KindValidate, roundPayload(1)), Build: testBuild(),
		Store: &fakeStore{}, Workdir: t.TempDir(),
	})
	if res.Status != agent.StatusRetry {
		t.Fatalf("status = %v, want retry", res.Status)
	}
	if len(res.NextTasks) != 1 || res.NextTasks[0].Kind != task.KindPatch {
		t.Fatalf("next = %+v, want PATCH", res.NextTasks)
	}
	if got := parseRound(res.NextTasks[0].Payload); got != 2 {
		t.Errorf("next round = %d, want 2", got)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Validation == nil || res.Artifacts[0].Validation.ExitCode == 0 {
		t.Errorf("artifacts = %+v", res.Artifacts)
	}
}

func TestValidator_MaxRoundsExhaustedPlainRetry(t *testing.T) {
	v := NewValidator(ValidatorConfig{Command: "false", MaxRounds: 2}, quietLogger())
	res := v.Run(context.Background(), &agent.Context{
		Task: testTask(task.KindValidate, roundPayload(2)), Build: testBuild(),
		Store: &fakeStore{}, Workdir: t.TempDir(),
	})
	if res.Status != agent.StatusRetry {
		t.Fatalf("status = %v, want retry", res.Status)
	}
	if len(res.NextTasks) != 0 {
		t.Errorf("next = %+v, want none (dead-letter path)", res.NextTasks)
	}
}

func TestParseRound(t *testing.T) {
	if got := parseRound(nil); got != 1 {
		t.Errorf("parseRound(nil) = %d", got)
	}
	if got := parseRound([]byte("not json")); got != 1 {
		t.Errorf("parseRound(garbage) = %d", got)
	}
	if got := parseRound(roundPayload(3)); got != 3 {
		t.Errorf("parseRound(3) = %d", got)
	}
}
