package vpn

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yllada/systemvpn/common"
)

// Notification describes one state transition of a Controller.
type Notification struct {
	State        State
	ErrorCode    ErrorState
	ConnectionID string
	At           time.Time
}

// Observer receives notifications. Observers run on the dispatcher goroutine
// and may call back into the Controller.
type Observer func(Notification)

// SubscriptionID identifies a registered observer.
type SubscriptionID string

type subscription struct {
	id SubscriptionID
	fn Observer
}

type delivery struct {
	n       Notification
	targets []subscription
}

// dispatcher delivers notifications in publish order on its own goroutine.
// Each notification goes to the observers registered when it was published,
// at most once, and never to an observer that has since unsubscribed.
type dispatcher struct {
	mu      sync.Mutex
	subs    []subscription
	queue   []delivery
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
	logger  common.Logger
}

func newDispatcher(logger common.Logger) *dispatcher {
	d := &dispatcher{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		logger:  logger,
	}
	go d.run()
	return d
}

func (d *dispatcher) subscribe(fn Observer) SubscriptionID {
	id := SubscriptionID(uuid.NewString())
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, subscription{id: id, fn: fn})
	return id
}

func (d *dispatcher) unsubscribe(id SubscriptionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s.id == id {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return true
		}
	}
	return false
}

func (d *dispatcher) subscribed(id SubscriptionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.subs {
		if s.id == id {
			return true
		}
	}
	return false
}

// publish queues n for the current subscribers. It never blocks on observers.
func (d *dispatcher) publish(n Notification) {
	d.mu.Lock()
	if d.closed || len(d.subs) == 0 {
		d.mu.Unlock()
		return
	}
	targets := make([]subscription, len(d.subs))
	copy(targets, d.subs)
	d.queue = append(d.queue, delivery{n: n, targets: targets})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, item := range batch {
			for _, s := range item.targets {
				if d.subscribed(s.id) {
					d.call(s, item.n)
				}
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

func (d *dispatcher) call(s subscription, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Observer %s panicked on %s: %v", s.id, n.State, r)
		}
	}()
	s.fn(n)
}

// close delivers what is already queued and stops the goroutine.
// It must not be called from an observer.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.stopped
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.stopped
}
