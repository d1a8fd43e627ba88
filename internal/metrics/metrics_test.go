package metrics

import (
	"testing"
	"time"
)

func TestRecordSessionCreated(t *testing.T) {
	Reset()

	initialCount := Get().ActiveSessions
	RecordSessionCreated()

	m := Get()
	if m.ActiveSessions != initialCount+1 {
		t.Errorf("Expected ActiveSessions to be %d, got %d", initialCount+1, m.ActiveSessions)
	}
	if m.TotalSessionsCreated != 1 {
		t.Errorf("Expected TotalSessionsCreated to be 1, got %d", m.TotalSessionsCreated)
	}
}

func TestRecordSessionClosed(t *testing.T) {
	Reset()

	RecordSessionCreated()
	RecordSessionClosed()

	m := Get()
	if m.ActiveSessions != 0 {
		t.Errorf("Expected ActiveSessions to be 0, got %d", m.ActiveSessions)
	}
	if m.TotalSessionsClosed != 1 {
		t.Errorf("Expected TotalSessionsClosed to be 1, got %d", m.TotalSessionsClosed)
	}
}

func TestRecordSessionDisplaced(t *testing.T) {
	Reset()
	RecordSessionDisplaced()

	m := Get()
	if m.TotalSessionsDisplaced != 1 {
		t.Errorf("Expected TotalSessionsDisplaced to be 1, got %d", m.TotalSessionsDisplaced)
	}
}

func TestRecordMessageProcessed(t *testing.T) {
	Reset()

	RecordMessageProcessed()
	RecordMessageProcessed()

	m := Get()
	if m.TotalMessagesProcessed != 2 {
		t.Errorf("Expected TotalMessagesProcessed to be 2, got %d", m.TotalMessagesProcessed)
	}
}

func TestRecordRateLimitDrop(t *testing.T) {
	Reset()
	RecordRateLimitDrop()

	m := Get()
	if m.TotalRateLimitDrops != 1 {
		t.Errorf("Expected TotalRateLimitDrops to be 1, got %d", m.TotalRateLimitDrops)
	}
}

func TestCallLifecycleCounters(t *testing.T) {
	Reset()

	RecordCallInvited()
	RecordCallAccepted()
	RecordCallEnded("normal")

	m := Get()
	if m.TotalCallsInvited != 1 || m.TotalCallsAccepted != 1 || m.TotalCallsEnded != 1 {
		t.Errorf("unexpected call counters: %+v", m)
	}
	if m.ActiveCalls != 0 {
		t.Errorf("expected ActiveCalls back to 0, got %d", m.ActiveCalls)
	}
}

func TestRecordCallEndedReasons(t *testing.T) {
	Reset()

	RecordCallInvited()
	RecordCallEnded("rejected")
	RecordCallInvited()
	RecordCallEnded("auto_hangup")

	m := Get()
	if m.TotalCallsRejected != 1 || m.TotalCallsAutoHungUp != 1 {
		t.Errorf("unexpected reason counters: %+v", m)
	}
}

func TestReset(t *testing.T) {
	Reset()

	RecordSessionCreated()
	RecordMessageProcessed()

	Reset()

	m := Get()
	if m.ActiveSessions != 0 || m.TotalSessionsCreated != 0 || m.TotalMessagesProcessed != 0 {
		t.Error("Expected all metrics to be reset to 0")
	}
}

func TestUptime(t *testing.T) {
	m := Get()
	uptime := m.Uptime()

	if uptime < 0 {
		t.Errorf("Expected Uptime to be non-negative, got %v", uptime)
	}
	if uptime > time.Second {
		t.Errorf("Expected Uptime to be small, got %v", uptime)
	}
}

func TestToJSON(t *testing.T) {
	Reset()

	RecordSessionCreated()
	m := Get()
	data := m.ToJSON()

	if len(data) == 0 {
		t.Error("Expected JSON data to be non-empty")
	}
	if !containsSubstring(string(data), "active_sessions") {
		t.Error("Expected JSON to contain 'active_sessions'")
	}
}

func containsSubstring(s, substr string) bool {
	for i := 0; i < len(s)-len(substr)+1; i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
