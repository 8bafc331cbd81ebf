package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/theory/orchestrator"
	"github.com/pithecene-io/theory/types"
)

func update(t *testing.T, m StreamModel, msg tea.Msg) StreamModel {
	t.Helper()
	next, _ := m.Update(msg)
	sm, ok := next.(StreamModel)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return sm
}

func TestStreamModel_AccumulatesTokens(t *testing.T) {
	m := NewStreamModel("llm/litellm@1.0.0", "exec-1")
	m = update(t, m, tokenMsg("Mock "))
	m = update(t, m, tokenMsg("response"))

	view := m.View()
	if !strings.Contains(view, "Mock response") {
		t.Errorf("view missing token text:\n%s", view)
	}
	if !strings.Contains(view, "llm/litellm@1.0.0") {
		t.Errorf("view missing ref:\n%s", view)
	}
}

func TestStreamModel_PhaseAndLogs(t *testing.T) {
	m := NewStreamModel("llm/litellm@1.0.0", "exec-1")
	m = update(t, m, phaseMsg(types.EventContent{Phase: "started"}))
	m = update(t, m, logMsg(types.LogContent{Level: "info", Message: "warming up"}))

	view := m.View()
	if !strings.Contains(view, "started") {
		t.Errorf("view missing phase:\n%s", view)
	}
	if !strings.Contains(view, "warming up") {
		t.Errorf("view missing log line:\n%s", view)
	}
}

func TestStreamModel_LogWindowBounded(t *testing.T) {
	m := NewStreamModel("llm/litellm@1.0.0", "exec-1")
	for i := 0; i < maxLogLines*3; i++ {
		m = update(t, m, logMsg(types.LogContent{Level: "info", Message: "line"}))
	}
	if len(m.logs) != maxLogLines {
		t.Errorf("log window = %d lines, want %d", len(m.logs), maxLogLines)
	}
}

func TestStreamModel_DoneQuits(t *testing.T) {
	m := NewStreamModel("llm/litellm@1.0.0", "exec-1")
	res := &orchestrator.Result{
		Envelope: &types.ExecutionEnvelope{
			Status:      types.StatusSuccess,
			ExecutionID: "exec-1",
			Meta:        map[string]any{types.MetaImageDigest: "sha256:abc"},
		},
	}
	next, cmd := m.Update(doneMsg{result: res})
	sm := next.(StreamModel)
	if !sm.done {
		t.Error("model not done after doneMsg")
	}
	if cmd == nil {
		t.Error("doneMsg did not produce a quit command")
	}
	if !strings.Contains(sm.View(), "success") {
		t.Errorf("view missing terminal status:\n%s", sm.View())
	}
}

func TestStreamModel_ErrorEnvelope(t *testing.T) {
	m := NewStreamModel("llm/litellm@1.0.0", "exec-1")
	res := &orchestrator.Result{
		Envelope: types.ErrorEnvelope("exec-1", types.ErrPreempted, "preempted by controller", "sha256:abc"),
	}
	m = update(t, m, doneMsg{result: res})
	if !strings.Contains(m.View(), types.ErrPreempted) {
		t.Errorf("view missing error code:\n%s", m.View())
	}
}

func TestClassify(t *testing.T) {
	token := classify(types.MustMessage(types.KindToken, types.TokenContent{Text: "hi"}))
	if tok, ok := token.(tokenMsg); !ok || string(tok) != "hi" {
		t.Errorf("token classified as %T %v", token, token)
	}

	phase := classify(types.MustMessage(types.KindEvent, types.EventContent{Phase: "paused"}))
	if ph, ok := phase.(phaseMsg); !ok || ph.Phase != "paused" {
		t.Errorf("event classified as %T %v", phase, phase)
	}

	if classify(types.MustMessage(types.KindAck, types.AckContent{ExecutionID: "x"})) != nil {
		t.Error("ack frame should not render")
	}
}
