package agents

import (
	"context"

	"remedyci/internal/model/llm"
	"remedyci/internal/remediation/artifact"
	"remedyci/internal/remediation/build"
	"remedyci/internal/remediation/task"
	"remedyci/pkg/log"
)

// fakeLLM 返回注入的文本或错误
type fakeLLM struct {
	reply string
	err   error
	// prompts 记录收到的 prompt，供断言
	prompts []string
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, _ llm.GenerateOptions) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

// fakeStore 固定产物的只读视图
type fakeStore struct {
	plan        *artifact.Plan
	candidates  []*artifact.CandidateFile
	patches     []*artifact.Patch
	validations []*artifact.Validation
	pr          *artifact.PullRequest
}

func (f *fakeStore) GetPlan(ctx context.Context, buildID string) (*artifact.Plan, error) {
	return f.plan, nil
}
func (f *fakeStore) ListCandidateFiles(ctx context.Context, buildID string) ([]*artifact.CandidateFile, error) {
	return f.candidates, nil
}
func (f *fakeStore) ListPatches(ctx context.Context, buildID string) ([]*artifact.Patch, error) {
	return f.patches, nil
}
func (f *fakeStore) ListValidations(ctx context.Context, buildID string) ([]*artifact.Validation, error) {
	return f.validations, nil
}
func (f *fakeStore) GetPullRequest(ctx context.Context, buildID string) (*artifact.PullRequest, error) {
	return f.pr, nil
}

func testBuild() *build.Build {
	return &build.Build{
		ID:          "b-1",
		Job:         "demo",
		BuildNumber: 42,
		Branch:      "main",
		RepoURL:     "https://github.com/acme/demo",
		Payload:     map[string]interface{}{"log": "compile error: Foo.java:10"},
	}
}

func testTask(kind task.Kind, payload []byte) *task.Task {
	return &task.Task{ID: "t-1", BuildID: "b-1", Kind: kind, Payload: payload, Attempt: 1, MaxAttempts: 3}
}

func quietLogger() *log.Logger {
	logger, _ := log.NewLogger(&log.Config{Level: "error"})
	return logger
}
