package vpn

import (
	"sync"
	"time"

	"github.com/yllada/systemvpn/common"
)

// StatusSource reports the platform's view of the tunnel.
type StatusSource interface {
	CurrentStatus() PlatformStatus
}

// EventSink consumes reconciled status changes; *Controller implements it.
type EventSink interface {
	HandleEvent(StatusEvent)
}

// StatusPoller periodically reads CurrentStatus and forwards changes the
// adapter may have failed to report as events.
type StatusPoller struct {
	mu        sync.RWMutex
	source    StatusSource
	sink      EventSink
	interval  time.Duration
	running   bool
	stopChan  chan struct{}
	resetChan chan time.Duration
	last      PlatformStatus
	seeded    bool
	logger    common.Logger
	onChange  func(old, new PlatformStatus)
}

// NewStatusPoller creates a poller. An interval of zero uses
// common.StatusPollInterval.
func NewStatusPoller(source StatusSource, sink EventSink, interval time.Duration, logger common.Logger) *StatusPoller {
	if interval <= 0 {
		interval = common.StatusPollInterval
	}
	if logger == nil {
		logger = common.NopLogger{}
	}
	return &StatusPoller{
		source:    source,
		sink:      sink,
		interval:  interval,
		stopChan:  make(chan struct{}),
		resetChan: make(chan time.Duration, 1),
		logger:    logger,
	}
}

// SetOnChange sets a callback invoked for every status change the poller forwards.
func (p *StatusPoller) SetOnChange(callback func(old, new PlatformStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = callback
}

// Start begins polling.
func (p *StatusPoller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopChan = make(chan struct{})
	stop := p.stopChan
	interval := p.interval
	p.mu.Unlock()

	p.logger.Info("Status poller started (interval: %v)", interval)

	go p.runLoop(interval, stop)
}

// Stop stops polling.
func (p *StatusPoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.logger.Info("Status poller stopped")
}

// IsRunning returns whether the poller is currently running.
func (p *StatusPoller) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Interval returns the polling interval.
func (p *StatusPoller) Interval() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.interval
}

// UpdateInterval changes the polling interval, taking effect immediately if running.
func (p *StatusPoller) UpdateInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	p.mu.Lock()
	p.interval = interval
	running := p.running
	p.mu.Unlock()

	if running {
		select {
		case p.resetChan <- interval:
		default:
		}
	}
}

// runLoop exits when stop, the channel of the Start call that spawned it,
// is closed.
func (p *StatusPoller) runLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case d := <-p.resetChan:
			ticker.Reset(d)
		case <-ticker.C:
			p.Poll()
		}
	}
}

// Poll reads the current status once and forwards it if it changed since the
// previous reading. The first reading only records the status. It reports
// whether an event was forwarded.
func (p *StatusPoller) Poll() bool {
	status := p.source.CurrentStatus()

	p.mu.Lock()
	if !p.seeded {
		p.seeded = true
		p.last = status
		p.mu.Unlock()
		return false
	}
	old := p.last
	if old == status {
		p.mu.Unlock()
		return false
	}
	p.last = status
	callback := p.onChange
	p.mu.Unlock()

	p.logger.Debug("Platform status changed: %s -> %s", old, status)
	p.sink.HandleEvent(StatusEvent{Status: status})
	if callback != nil {
		callback(old, status)
	}
	return true
}
