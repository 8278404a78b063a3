package wager

import (
	"context"
	"sync"
	"time"
)

// countdown is a cancellable scheduled settlement shared by every wager of a
// settlement group.
type countdown struct {
	ids    []string
	cancel context.CancelFunc
}

// scheduler keeps one countdown handle per wager id.
type scheduler struct {
	tick    time.Duration
	onStart func()
	onStop  func()

	mu      sync.Mutex
	handles map[string]*countdown
}

func newScheduler(tick time.Duration, onStart, onStop func()) *scheduler {
	return &scheduler{
		tick:    tick,
		onStart: onStart,
		onStop:  onStop,
		handles: make(map[string]*countdown),
	}
}

// schedule starts a countdown of d for the group ids. onTick receives the
// whole seconds left after every tick and fire runs once when the countdown
// reaches zero, unless it was stopped first. A group that already has a
// countdown is left alone and false is returned.
func (s *scheduler) schedule(parent context.Context, ids []string, d time.Duration, onTick func(remaining time.Duration), fire func(ctx context.Context)) bool {
	ctx, cancel := context.WithCancel(parent)
	c := &countdown{ids: ids, cancel: cancel}

	s.mu.Lock()
	for _, id := range ids {
		if _, ok := s.handles[id]; ok {
			s.mu.Unlock()
			cancel()
			return false
		}
	}
	for _, id := range ids {
		s.handles[id] = c
	}
	s.mu.Unlock()
	s.onStart()

	go s.run(ctx, c, d, onTick, fire)
	return true
}

func (s *scheduler) run(ctx context.Context, c *countdown, d time.Duration, onTick func(time.Duration), fire func(context.Context)) {
	defer c.cancel()
	deadline := time.Now().Add(d)
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if remaining := time.Until(deadline); remaining > 0 && onTick != nil {
				onTick(remaining)
			}
		case <-timer.C:
			if !s.release(c) {
				// Stopped between the timer firing and now.
				return
			}
			fire(ctx)
			return
		}
	}
}

// release removes c from the handle map. It reports false when c had already
// been stopped.
func (s *scheduler) release(c *countdown) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	owned := false
	for _, id := range c.ids {
		if s.handles[id] == c {
			delete(s.handles, id)
			owned = true
		}
	}
	if owned {
		s.onStop()
	}
	return owned
}

// stop cancels the countdown registered under id, if any, for its whole
// group. Once stop returns, fire will not be invoked for that countdown.
func (s *scheduler) stop(id string) bool {
	s.mu.Lock()
	c, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if s.release(c) {
		c.cancel()
		return true
	}
	return false
}

// active reports whether id has a pending countdown.
func (s *scheduler) active(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[id]
	return ok
}

// stopAll cancels every pending countdown.
func (s *scheduler) stopAll() {
	s.mu.Lock()
	seen := make(map[*countdown]bool)
	for _, c := range s.handles {
		seen[c] = true
	}
	s.mu.Unlock()
	for c := range seen {
		if s.release(c) {
			c.cancel()
		}
	}
}
