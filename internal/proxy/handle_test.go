package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clawbowl/orchestrator/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(false)
}

func TestProxyHandleStreamsContentAndDone(t *testing.T) {
	upstream := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"hi there"},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	}, "", "")
	defer upstream.Close()

	workspaceDir := t.TempDir()
	target := SandboxTarget{Port: portOf(t, upstream), GatewayToken: "tok", SessionKey: "sess", WorkspaceDir: workspaceDir}

	p := New(testLogger())
	rec := httptest.NewRecorder()

	err := p.Handle(context.Background(), rec, target, "user-1", ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hello"}}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "hi there") {
		t.Fatalf("expected content delta in body, got %q", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Fatalf("expected terminal [DONE] sentinel, got %q", body)
	}
	if !strings.HasSuffix(strings.TrimRight(body, "\n"), "[DONE]") {
		t.Fatalf("expected [DONE] to be the final thing written, got %q", body)
	}
}

func TestProxyHandleEmitsFriendlyMessageOnUpstreamFailure(t *testing.T) {
	workspaceDir := t.TempDir()
	// Port with nothing listening: connection refused.
	target := SandboxTarget{Port: 1, GatewayToken: "tok", SessionKey: "sess", WorkspaceDir: workspaceDir}

	p := New(testLogger())
	rec := httptest.NewRecorder()

	err := p.Handle(context.Background(), rec, target, "user-1", ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hello"}}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, friendlyMessages["connect"]) {
		t.Fatalf("expected connect friendly message, got %q", body)
	}
	if !strings.Contains(body, "[DONE]") {
		t.Fatalf("expected [DONE] sentinel even on failure, got %q", body)
	}
}

func TestProxyHandleEmptyStreamShortHistoryGetsPlainRetryMessage(t *testing.T) {
	upstream := sseServer(t, []string{`data: [DONE]`}, "", "")
	defer upstream.Close()

	workspaceDir := t.TempDir()
	target := SandboxTarget{Port: portOf(t, upstream), GatewayToken: "tok", SessionKey: "sess", WorkspaceDir: workspaceDir}

	p := New(testLogger())
	rec := httptest.NewRecorder()

	req := ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}}
	if err := p.Handle(context.Background(), rec, target, "user-1", req); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	body := rec.Body.String()
	if strings.Contains(body, emptyStreamFilteredMessage) {
		t.Fatalf("did not expect filtered message for short history, got %q", body)
	}
	if !strings.Contains(body, "[DONE]") {
		t.Fatalf("expected [DONE] sentinel, got %q", body)
	}
}

func TestProxyHandleEmptyStreamLongHistoryGetsFilteredMessage(t *testing.T) {
	upstream := sseServer(t, []string{`data: [DONE]`}, "", "")
	defer upstream.Close()

	workspaceDir := t.TempDir()
	target := SandboxTarget{Port: portOf(t, upstream), GatewayToken: "tok", SessionKey: "sess", WorkspaceDir: workspaceDir}

	p := New(testLogger())
	rec := httptest.NewRecorder()

	req := ChatRequest{Messages: []Message{
		{Role: RoleUser, Content: "1"},
		{Role: RoleAssistant, Content: "2"},
		{Role: RoleUser, Content: "3"},
		{Role: RoleAssistant, Content: "4"},
		{Role: RoleUser, Content: "5"},
	}}
	if err := p.Handle(context.Background(), rec, target, "user-1", req); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, emptyStreamFilteredMessage) {
		t.Fatalf("expected filtered message for long history, got %q", body)
	}
}

func TestProxyHandleEmitsFileDeltaForNewWorkspaceFile(t *testing.T) {
	workspaceDir := t.TempDir()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate the sandbox writing a new file mid-turn, before streaming completes.
		_ = os.WriteFile(filepath.Join(workspaceDir, "result.txt"), []byte("output"), 0o644)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"done\"},\"finish_reason\":\"stop\"}]}\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	target := SandboxTarget{Port: portOf(t, upstream), GatewayToken: "tok", SessionKey: "sess", WorkspaceDir: workspaceDir}

	p := New(testLogger())
	rec := httptest.NewRecorder()

	req := ChatRequest{Messages: []Message{{Role: RoleUser, Content: "make a file"}}}
	if err := p.Handle(context.Background(), rec, target, "user-1", req); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "result.txt") {
		t.Fatalf("expected a file delta for result.txt, got %q", body)
	}
	doneIdx := strings.LastIndex(body, "[DONE]")
	fileIdx := strings.Index(body, "result.txt")
	if fileIdx == -1 || doneIdx == -1 || fileIdx > doneIdx {
		t.Fatalf("expected file delta before terminal [DONE], got %q", body)
	}
}
