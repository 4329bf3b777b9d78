package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"remedyci/internal/remediation/agent"
	"remedyci/internal/remediation/artifact"
	"remedyci/internal/remediation/task"
)

func TestPatcher_WritesEditsAndMovesToValidate(t *testing.T) {
	workdir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workdir, "Foo.java"), []byte("old content"), 0o644); err != nil {
		t.Fatal(err)
	}

	fake := &fakeLLM{reply: `[{"path": "Foo.java", "content": "fixed content"}]`}
	p := NewPatcher(fake, quietLogger())
	st := &fakeStore{
		plan:       &artifact.Plan{Steps: []string{"fix Foo"}},
		candidates: []*artifact.CandidateFile{{Path: "Foo.java", Score: 2}},
	}

	res := p.Run(context.Background(), &agent.Context{
		Task: testTask(task.KindPatch, roundPayload(1)), Build: testBuild(),
		Store: st, Workdir: workdir,
	})
	if res.Status != agent.StatusSuccess {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	if len(res.NextTasks) != 1 || res.NextTasks[0].Kind != task.KindValidate {
		t.Errorf("next = %+v, want VALIDATE", res.NextTasks)
	}
	if got := parseRound(res.NextTasks[0].Payload); got != 1 {
		t.Errorf("validate round = %d, want 1", got)
	}

	b, err := os.ReadFile(filepath.Join(workdir, "Foo.java"))
	if err != nil || string(b) != "fixed content" {
		t.Errorf("file content = %q, %v", b, err)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Patch == nil || !res.Artifacts[0].Patch.Applied {
		t.Fatalf("artifacts = %+v", res.Artifacts)
	}
}

func TestPatcher_PathEscapeFails(t *testing.T) {
	workdir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workdir, "Foo.java"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	fake := &fakeLLM{reply: `[{"path": "../../etc/passwd", "content": "evil"}]`}
	p := NewPatcher(fake, quietLogger())
	st := &fakeStore{
		plan:       &artifact.Plan{Steps: []string{"s"}},
		candidates: []*artifact.CandidateFile{{Path: "Foo.java", Score: 1}},
	}
	res := p.Run(context.Background(), &agent.Context{
		Task: testTask(task.KindPatch, roundPayload(1)), Build: testBuild(),
		Store: st, Workdir: workdir,
	})
	if res.Status != agent.StatusFailed {
		t.Errorf("status = %v, want failed", res.Status)
	}
}

func TestPatcher_NoCandidatesFails(t *testing.T) {
	fake := &fakeLLM{reply: "[]"}
	p := NewPatcher(fake, quietLogger())
	st := &fakeStore{plan: &artifact.Plan{Steps: []string{"s"}}}
	res := p.Run(context.Background(), &agent.Context{
		Task: testTask(task.KindPatch, roundPayload(1)), Build: testBuild(),
		Store: st, Workdir: t.TempDir(),
	})
	if res.Status != agent.StatusFailed {
		t.Errorf("status = %v, want failed", res.Status)
	}
}
