package web

import (
	"encoding/json"
	"testing"
	"time"
)

// recvEvent waits for one event on ch and decodes it.
func recvEvent(t *testing.T, ch <-chan string) StatusEvent {
	t.Helper()
	select {
	case msg := <-ch:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal %q: %v", msg, err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
	return StatusEvent{}
}

func TestBroadcaster_SubscribeAndReceive(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Broadcast("error", "Sweep failed: servo T3C2: write T3C2: timeout")

	evt := recvEvent(t, ch)
	if evt.Msg != "Sweep failed: servo T3C2: write T3C2: timeout" {
		t.Errorf("msg = %q", evt.Msg)
	}
	if evt.Level != "error" {
		t.Errorf("level = %q, want \"error\"", evt.Level)
	}
	if evt.Time == "" {
		t.Error("event should have a timestamp")
	}
}

func TestBroadcaster_EverySubscriberReceives(t *testing.T) {
	b := NewStatusBroadcaster()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.Broadcast("info", "Sweep of all channels complete")

	for _, ch := range []<-chan string{ch1, ch2} {
		if evt := recvEvent(t, ch); evt.Msg != "Sweep of all channels complete" {
			t.Errorf("msg = %q", evt.Msg)
		}
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
	// Must not panic with no subscriber left.
	b.Broadcast("info", "late angle update")
}

func TestBroadcaster_SlowClientDropsMessages(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	// A full sweep logs far more lines than the 64-message buffer.
	for i := 0; i < 100; i++ {
		b.Broadcast("live", "T1C1 -> 92.0")
	}

	count := 0
	for len(ch) > 0 {
		<-ch
		count++
	}
	if count != 64 {
		t.Errorf("expected 64 buffered messages, got %d", count)
	}
}

func TestBroadcaster_BroadcastMsg(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.BroadcastMsg("Sweep of T4C4 stopped")

	evt := recvEvent(t, ch)
	if evt.Level != "info" || evt.Msg != "Sweep of T4C4 stopped" {
		t.Errorf("event = %+v, want info \"Sweep of T4C4 stopped\"", evt)
	}
}

func TestBroadcastWriter_Write(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	line := "  servo bank ready  \n"
	n, err := BroadcastWriter(b).Write([]byte(line))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != len(line) {
		t.Errorf("n = %d, want %d", n, len(line))
	}
	if evt := recvEvent(t, ch); evt.Msg != "servo bank ready" {
		t.Errorf("msg = %q, want \"servo bank ready\"", evt.Msg)
	}
}

func TestBroadcastWriter_EmptyWriteIgnored(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	BroadcastWriter(b).Write([]byte("   \n\n"))

	select {
	case <-ch:
		t.Error("expected no message for whitespace-only write")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastWriter_DebugLevels(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	w := BroadcastWriter(b)
	w.Write([]byte("[GoLegs] 2026/01/02 10:00:00.000000 [LIVE] Servo T3C1: 92.0°\n" +
		"[GoLegs] 2026/01/02 10:00:00.000001 [PWM] TIM3 CH1 compare=1522\n" +
		"[GoLegs] 2026/01/02 10:00:00.000002 [ERROR] bus fault\n"))

	want := []StatusEvent{
		{Level: "live", Msg: "Servo T3C1: 92.0°"},
		{Level: "trace", Msg: "TIM3 CH1 compare=1522"},
		{Level: "error", Msg: "bus fault"},
	}
	for i, wantEvt := range want {
		evt := recvEvent(t, ch)
		if evt.Level != wantEvt.Level || evt.Msg != wantEvt.Msg {
			t.Errorf("event %d = %s %q, want %s %q", i, evt.Level, evt.Msg, wantEvt.Level, wantEvt.Msg)
		}
	}
}

func TestBroadcaster_Clients(t *testing.T) {
	b := NewStatusBroadcaster()
	_, unsub1 := b.Subscribe()
	_, unsub2 := b.Subscribe()
	if b.Clients() != 2 {
		t.Errorf("Clients() = %d, want 2", b.Clients())
	}
	unsub1()
	unsub2()
	if b.Clients() != 0 {
		t.Errorf("Clients() = %d after unsubscribe, want 0", b.Clients())
	}
}
