package agents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"remedyci/internal/remediation/agent"
	"remedyci/internal/remediation/artifact"
	"remedyci/internal/remediation/task"
)

func TestNotifier_DeliversRemediatedWithPRURL(t *testing.T) {
	var got notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	workdir := t.TempDir()
	marker := filepath.Join(workdir, "checkout")
	if err := os.MkdirAll(marker, 0o755); err != nil {
		t.Fatal(err)
	}

	n := NewNotifier(NotifierConfig{WebhookURL: srv.URL}, quietLogger())
	st := &fakeStore{pr: &artifact.PullRequest{URL: "https://github.com/acme/demo/pull/7"}}
	res := n.Run(context.Background(), &agent.Context{
		Task: testTask(task.KindNotify, nil), Build: testBuild(),
		Store: st, Workdir: workdir,
	})
	if res.Status != agent.StatusSuccess {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	if len(res.NextTasks) != 0 {
		t.Errorf("next = %+v, want none (terminal)", res.NextTasks)
	}
	if got.Outcome != "remediated" || got.PRURL != "https://github.com/acme/demo/pull/7" {
		t.Errorf("notification = %+v", got)
	}
	if got.Job != "demo" || got.BuildNumber != 42 {
		t.Errorf("notification identity = %+v", got)
	}
	// 通知送达后工作区应被清理
	if _, err := os.Stat(workdir); !os.IsNotExist(err) {
		t.Errorf("workdir still present: %v", err)
	}
}

func TestNotifier_TerminalPayloadReportsFailure(t *testing.T) {
	var got notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	n := NewNotifier(NotifierConfig{WebhookURL: srv.URL}, quietLogger())
	payload := []byte(`{"reason": "RETRIES_EXHAUSTED", "cause": "mvn verify exit 1"}`)
	res := n.Run(context.Background(), &agent.Context{
		Task: testTask(task.KindNotify, payload), Build: testBuild(), Store: &fakeStore{},
	})
	if res.Status != agent.StatusSuccess {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	if got.Outcome != "failed" || got.Reason != "RETRIES_EXHAUSTED" || got.Cause != "mvn verify exit 1" {
		t.Errorf("notification = %+v", got)
	}
}

func TestNotifier_EndpointErrorRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier(NotifierConfig{WebhookURL: srv.URL}, quietLogger())
	// 端点持续 5xx 时不清理工作区，留给下一次尝试
	workdir := t.TempDir()
	res := n.Run(context.Background(), &agent.Context{
		Task: testTask(task.KindNotify, nil), Build: testBuild(),
		Store: &fakeStore{}, Workdir: workdir,
	})
	if res.Status != agent.StatusRetry {
		t.Fatalf("status = %v, want retry", res.Status)
	}
	if _, err := os.Stat(workdir); err != nil {
		t.Errorf("workdir should survive a failed delivery: %v", err)
	}
}

func TestNotifier_NoWebhookLogsOnly(t *testing.T) {
	n := NewNotifier(NotifierConfig{}, quietLogger())
	res := n.Run(context.Background(), &agent.Context{
		Task: testTask(task.KindNotify, nil), Build: testBuild(), Store: &fakeStore{},
	})
	if res.Status != agent.StatusSuccess {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
}
