package ui

import (
	"bytes"
	"testing"
)

func TestSilentUI_ImplementsInterface(t *testing.T) {
	var _ UI = SilentUI{}
	var _ UI = &SilentUI{}
	var _ UI = &Console{}
}

func TestSilentUI_NoPanic(t *testing.T) {
	ui := SilentUI{}
	ui.UpdateStatus("pruning")
	ui.Log("")
}

// MockUI records every call.
type MockUI struct {
	StatusUpdates []string
	LogMessages   []string
}

func (m *MockUI) UpdateStatus(status string) {
	m.StatusUpdates = append(m.StatusUpdates, status)
}

func (m *MockUI) Log(msg string) {
	m.LogMessages = append(m.LogMessages, msg)
}

func TestMockUI_Records(t *testing.T) {
	ui := &MockUI{}
	ui.UpdateStatus("status1")
	ui.Log("message1")
	ui.Log("message2")

	if len(ui.StatusUpdates) != 1 || ui.StatusUpdates[0] != "status1" {
		t.Errorf("unexpected status updates: %v", ui.StatusUpdates)
	}
	if len(ui.LogMessages) != 2 {
		t.Errorf("expected 2 log messages, got %d", len(ui.LogMessages))
	}
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	c.UpdateStatus("pruning data/x.json")
	c.Log("removed 20260101T000000.000Z-abcd1234")

	want := "==> pruning data/x.json\n    removed 20260101T000000.000Z-abcd1234\n"
	if buf.String() != want {
		t.Errorf("expected %q, got %q", want, buf.String())
	}
}

func TestIsInteractive_NotUnderTest(t *testing.T) {
	// go test pipes stdout, so the check must be false here.
	if IsInteractive() {
		t.Skip("running attached to a terminal")
	}
}
