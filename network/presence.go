package network

import (
	"sync"
	"sync/atomic"
	"time"
)

// PresenceTracker debounces local typing into start/stop announcements and
// mirrors the remote peer's typing flag.
type PresenceTracker struct {
	debounce time.Duration
	announce func(started bool)
	onRemote func(typing bool)

	mu      sync.Mutex
	typing  bool
	timer   *time.Timer
	gen     uint64
	stopped bool

	// announceMu keeps announcements in decision order without holding mu
	// across a potentially slow write.
	announceMu sync.Mutex

	remote atomic.Bool
}

// NewPresenceTracker returns a tracker that calls announce with true on the
// first keystroke after idle and with false once debounce elapses without
// further keystrokes. onRemote receives remote typing changes.
func NewPresenceTracker(debounce time.Duration, announce func(started bool), onRemote func(typing bool)) *PresenceTracker {
	if debounce <= 0 {
		debounce = DefaultTypingDebounce
	}
	if announce == nil {
		announce = func(bool) {}
	}
	if onRemote == nil {
		onRemote = func(bool) {}
	}
	return &PresenceTracker{
		debounce: debounce,
		announce: announce,
		onRemote: onRemote,
	}
}

// OnLocalTextChanged reports a keystroke. Empty text never starts typing.
func (p *PresenceTracker) OnLocalTextChanged(nonEmpty bool) {
	p.mu.Lock()
	if p.stopped || !nonEmpty {
		p.mu.Unlock()
		return
	}

	start := !p.typing
	p.typing = true
	p.gen++
	gen := p.gen
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, func() { p.expire(gen) })

	if !start {
		p.mu.Unlock()
		return
	}
	p.announceMu.Lock()
	p.mu.Unlock()
	defer p.announceMu.Unlock()
	p.announce(true)
}

func (p *PresenceTracker) expire(gen uint64) {
	p.mu.Lock()
	if p.stopped || !p.typing || gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.typing = false
	p.timer = nil

	p.announceMu.Lock()
	p.mu.Unlock()
	defer p.announceMu.Unlock()
	p.announce(false)
}

// OnRemoteTyping applies a remote start or stop frame. No debounce.
func (p *PresenceTracker) OnRemoteTyping(started bool) {
	p.remote.Store(started)
	p.onRemote(started)
}

// IsTyping reports whether the local user is currently announced as typing.
func (p *PresenceTracker) IsTyping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typing
}

// RemoteTyping reports the last typing state received from the peer.
func (p *PresenceTracker) RemoteTyping() bool {
	return p.remote.Load()
}

// Stop cancels any pending stop announcement and ignores further keystrokes.
// A remote typing indicator that is still on is cleared.
func (p *PresenceTracker) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.typing = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	if p.remote.Swap(false) {
		p.onRemote(false)
	}
}
