package progress

import (
	"fmt"
	"sync"
)

// Registry keeps at most one live channel per session id
type Registry struct {
	opts     Options
	channels map[string]*Channel
	mu       sync.RWMutex
}

// NewRegistry creates a registry that opens channels with opts
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("dialer cannot be nil")
	}
	return &Registry{
		opts:     opts,
		channels: make(map[string]*Channel),
	}, nil
}

// Acquire opens a channel for sessionID, closing any channel already held for it
func (r *Registry) Acquire(sessionID string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.channels[sessionID]; ok {
		old.Close()
	}
	ch := Open(sessionID, r.opts)
	r.channels[sessionID] = ch
	return ch
}

// Release closes ch and forgets it if it is still the session's current channel
func (r *Registry) Release(sessionID string, ch *Channel) {
	r.mu.Lock()
	if r.channels[sessionID] == ch {
		delete(r.channels, sessionID)
	}
	r.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
}

// Get retrieves the live channel of a session
func (r *Registry) Get(sessionID string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[sessionID]
	return ch, ok
}

// Count returns the number of live channels
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// CloseAll closes every channel and waits for their transports to be released
func (r *Registry) CloseAll() {
	r.mu.Lock()
	channels := make([]*Channel, 0, len(r.channels))
	for id, ch := range r.channels {
		channels = append(channels, ch)
		delete(r.channels, id)
	}
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
		<-ch.Stopped()
	}
}
