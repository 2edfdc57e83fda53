package term

import "testing"

func TestFakeLifecycle(t *testing.T) {
	f := NewFake()
	if err := f.CreatePane("agent-a1b2c3d4", "/w", "claude", nil); err != nil {
		t.Fatalf("CreatePane: %v", err)
	}
	if err := f.CreatePane("agent-a1b2c3d4", "/w", "claude", nil); err == nil {
		t.Errorf("duplicate pane accepted")
	}
	if live, _ := f.HasPane("agent-a1b2c3d4"); !live {
		t.Errorf("pane missing after create")
	}
	if err := f.SendText("agent-a1b2c3d4", "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if got := f.SentTexts("agent-a1b2c3d4"); len(got) != 1 || got[0] != "hello" {
		t.Errorf("SentTexts = %v", got)
	}
	if err := f.KillPane("agent-a1b2c3d4"); err != nil {
		t.Fatalf("KillPane: %v", err)
	}
	// Idempotent kill.
	if err := f.KillPane("agent-a1b2c3d4"); err != nil {
		t.Errorf("second KillPane: %v", err)
	}
	if err := f.SendText("agent-a1b2c3d4", "x"); err == nil {
		t.Errorf("SendText to dead pane succeeded")
	}
}

func TestFailFake(t *testing.T) {
	f := NewFailFake()
	if err := f.CreatePane("p", "/w", "", nil); err == nil {
		t.Errorf("broken fake created a pane")
	}
	if len(f.CallsSnapshot()) == 0 {
		t.Errorf("broken fake did not record the call")
	}
}
