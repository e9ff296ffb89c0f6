package vpn

import (
	"context"
	"sync"
	"testing"
	"time"
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (s *sinkRecorder) HandleEvent(ev StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestStatusPoller_ForwardsChangesOnly(t *testing.T) {
	adapter := newFakeAdapter()
	sink := &sinkRecorder{}
	p := NewStatusPoller(adapter, sink, time.Hour, nil)

	if p.Poll() {
		t.Error("first poll should only seed the last status")
	}
	if p.Poll() {
		t.Error("unchanged status should not be forwarded")
	}

	adapter.setStatus(StatusConnected)
	if !p.Poll() {
		t.Fatal("changed status should be forwarded")
	}
	if p.Poll() {
		t.Error("status forwarded twice")
	}

	if sink.count() != 1 {
		t.Fatalf("sink received %d events, want 1", sink.count())
	}
	if got := sink.events[0].Status; got != StatusConnected {
		t.Errorf("forwarded status = %v, want Connected", got)
	}
}

func TestStatusPoller_OnChange(t *testing.T) {
	adapter := newFakeAdapter()
	p := NewStatusPoller(adapter, &sinkRecorder{}, time.Hour, nil)

	var old, cur PlatformStatus
	p.SetOnChange(func(o, n PlatformStatus) { old, cur = o, n })

	p.Poll()
	adapter.setStatus(StatusReasserting)
	p.Poll()

	if old != StatusDisconnected || cur != StatusReasserting {
		t.Errorf("onChange(%v, %v), want (Disconnected, Reasserting)", old, cur)
	}
}

func TestStatusPoller_StartStop(t *testing.T) {
	p := NewStatusPoller(newFakeAdapter(), &sinkRecorder{}, 10*time.Millisecond, nil)

	if p.IsRunning() {
		t.Error("poller should not be running initially")
	}
	p.Start()
	p.Start()
	if !p.IsRunning() {
		t.Error("poller should be running after Start")
	}
	p.Stop()
	p.Stop()
	if p.IsRunning() {
		t.Error("poller should not be running after Stop")
	}
	p.Start()
	defer p.Stop()
	if !p.IsRunning() {
		t.Error("poller should restart")
	}
}

// A loop belongs to the Start call that spawned it: restarting the poller
// must not hand the new stop channel to a loop that has not run yet.
func TestStatusPoller_RestartDoesNotLeakLoop(t *testing.T) {
	p := NewStatusPoller(newFakeAdapter(), &sinkRecorder{}, time.Hour, nil)

	stale := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		p.runLoop(time.Hour, stale)
		close(exited)
	}()

	p.Start()
	defer p.Stop()
	close(stale)

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after its own stop channel closed")
	}
	if !p.IsRunning() {
		t.Error("restarted poller should still be running")
	}
}

func TestStatusPoller_DefaultInterval(t *testing.T) {
	p := NewStatusPoller(newFakeAdapter(), &sinkRecorder{}, 0, nil)
	if p.Interval() <= 0 {
		t.Errorf("Interval() = %v, want positive default", p.Interval())
	}
	p.UpdateInterval(-time.Second)
	if p.Interval() <= 0 {
		t.Error("negative interval must be ignored")
	}
	p.UpdateInterval(time.Minute)
	if p.Interval() != time.Minute {
		t.Errorf("Interval() = %v, want 1m", p.Interval())
	}
}

// A lost "tunnel up" notification is recovered by the poller.
func TestStatusPoller_ReconcilesController(t *testing.T) {
	adapter := newFakeAdapter()
	ctrl := NewController(adapter, newTestStore(t), DefaultControllerConfig())
	defer ctrl.Close()

	if err := ctrl.Prepare(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Connect(context.Background(), ipsecRaw()); err != nil {
		t.Fatal(err)
	}

	p := NewStatusPoller(adapter, ctrl, 5*time.Millisecond, nil)
	p.Poll()
	p.Start()
	defer p.Stop()

	adapter.setStatus(StatusConnected)

	deadline := time.Now().Add(time.Second)
	for ctrl.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want Connected", ctrl.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
