package vpn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	zkeyring "github.com/zalando/go-keyring"

	"github.com/yllada/systemvpn/keyring"
)

// fakeAdapter is an in-memory PlatformAdapter.
type fakeAdapter struct {
	mu         sync.Mutex
	status     PlatformStatus
	events     chan StatusEvent
	permission func(ctx context.Context) error
	applyErr   error
	startErr   error
	stopErr    error
	applied    []*Profile
	starts     int
	stops      int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		status: StatusDisconnected,
		events: make(chan StatusEvent, 16),
	}
}

func (f *fakeAdapter) RequestPermission(ctx context.Context) error {
	f.mu.Lock()
	fn := f.permission
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (f *fakeAdapter) ApplyProfile(_ context.Context, p *Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, p.Clone())
	return nil
}

func (f *fakeAdapter) StartTunnel(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.status = StatusConnecting
	return nil
}

func (f *fakeAdapter) StopTunnel(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.stopErr != nil {
		return f.stopErr
	}
	f.status = StatusDisconnecting
	return nil
}

func (f *fakeAdapter) CurrentStatus() PlatformStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeAdapter) Events() <-chan StatusEvent {
	return f.events
}

func (f *fakeAdapter) setStatus(s PlatformStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeAdapter) counts() (applied, starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied), f.starts, f.stops
}

// recordingStore counts writes made through the credential store.
type recordingStore struct {
	*keyring.Store
	mu   sync.Mutex
	puts int
}

func (r *recordingStore) Put(connectionID string, kind keyring.Kind, secret string) (keyring.Reference, error) {
	r.mu.Lock()
	r.puts++
	r.mu.Unlock()
	return r.Store.Put(connectionID, kind, secret)
}

func (r *recordingStore) putCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.puts
}

func newTestStore(t *testing.T) *recordingStore {
	t.Helper()
	zkeyring.MockInit()
	return &recordingStore{Store: keyring.New(keyring.NewSystemBackend("systemvpn-test"), nil)}
}

// stepClock returns a clock advancing one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

// notificationLog collects notifications delivered to an observer.
type notificationLog struct {
	mu    sync.Mutex
	items []Notification
}

func (l *notificationLog) observe(n Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, n)
}

func (l *notificationLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, 0, len(l.items))
	for _, n := range l.items {
		out = append(out, n.State)
	}
	return out
}

func (l *notificationLog) last() Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return Notification{}
	}
	return l.items[len(l.items)-1]
}

func (l *notificationLog) waitFor(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.items) >= n
	}, time.Second, 5*time.Millisecond)
}

func intPtr(v int) *int { return &v }
