package negotiation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

type stopper interface {
	Stop() bool
}

// iceRestarter fires once per failure after ICE has stayed failed for delay. It has its own
// lock so pion's state callbacks never wait on the engine.
type iceRestarter struct {
	fire      func()
	logger    *slog.Logger
	afterFunc func(time.Duration, func()) stopper

	mu      sync.Mutex
	delay   time.Duration
	failed  bool
	fired   bool
	stopped bool
	timer   stopper
}

func newICERestarter(delay time.Duration, fire func(), logger *slog.Logger) *iceRestarter {
	return &iceRestarter{
		fire:   fire,
		logger: logger,
		delay:  delay,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

func (r *iceRestarter) setDelay(d time.Duration) {
	r.mu.Lock()
	r.delay = d
	r.mu.Unlock()
}

func (r *iceRestarter) observe(s webrtc.ICEConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = s == webrtc.ICEConnectionStateFailed
	if !r.failed {
		r.fired = false
	}
	switch s {
	case webrtc.ICEConnectionStateFailed:
		if r.stopped || r.fired || r.timer != nil {
			return
		}
		r.timer = r.afterFunc(r.delay, r.expire)
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted, webrtc.ICEConnectionStateClosed:
		r.cancelLocked()
	}
}

func (r *iceRestarter) expire() {
	r.mu.Lock()
	r.timer = nil
	ok := !r.stopped && r.failed && !r.fired
	if ok {
		r.fired = true
	}
	delay := r.delay
	r.mu.Unlock()
	if !ok {
		return
	}
	r.logger.Warn("ice failed, requesting restart", "delay", delay)
	r.fire()
}

func (r *iceRestarter) cancelLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// stop cancels a pending timer and disables the restarter for good.
func (r *iceRestarter) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.cancelLocked()
}
