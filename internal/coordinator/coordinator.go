// Package coordinator ties the session directory to the conversation
// controller and tracks which session is active.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"AnalystChat/internal/backend"
	"AnalystChat/internal/clock"
	"AnalystChat/internal/conversation"
	"AnalystChat/internal/directory"
	"AnalystChat/internal/session"
)

// Purger forgets locally archived data of a deleted session
type Purger interface {
	Purge(sessionID string) error
}

// Options configures a Coordinator
type Options struct {
	Directory *directory.Directory
	API       conversation.API
	Streams   conversation.Streams
	Clock     clock.Clock
	Logger    *slog.Logger
	Purger    Purger // optional
}

// Coordinator keeps the directory and the active conversation consistent
type Coordinator struct {
	dir    *directory.Directory
	ctrl   *conversation.Controller
	purger Purger
	logger *slog.Logger

	mu     sync.Mutex
	active string
}

// New creates a Coordinator and the conversation controller it drives
func New(opts Options) (*Coordinator, error) {
	if opts.Directory == nil {
		return nil, fmt.Errorf("directory cannot be nil")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	c := &Coordinator{
		dir:    opts.Directory,
		purger: opts.Purger,
		logger: opts.Logger,
	}

	ctrl, err := conversation.New(conversation.Options{
		API:     opts.API,
		Streams: opts.Streams,
		Sink:    c,
		Clock:   opts.Clock,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation controller: %w", err)
	}
	c.ctrl = ctrl
	return c, nil
}

// Directory returns the session directory
func (c *Coordinator) Directory() *directory.Directory {
	return c.dir
}

// Conversation returns the controller of the active session
func (c *Coordinator) Conversation() *conversation.Controller {
	return c.ctrl
}

// Active returns the active session id, or "" when none is selected
func (c *Coordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// SessionCreated records a session started by the controller and makes it active
func (c *Coordinator) SessionCreated(s session.Session) {
	c.dir.Create(s)

	c.mu.Lock()
	c.active = s.ID
	c.mu.Unlock()
}

// SessionStatusChanged mirrors a status change observed by the controller
func (c *Coordinator) SessionStatusChanged(sessionID string, status session.Status) {
	c.dir.SetStatus(sessionID, status)
}

// Select activates a session. Marking it read and loading its transcript run
// concurrently; only a failed load is returned.
func (c *Coordinator) Select(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	c.active = sessionID
	c.mu.Unlock()

	var readErr, loadErr error
	var g errgroup.Group
	g.Go(func() error {
		readErr = c.dir.MarkRead(ctx, sessionID)
		return nil
	})
	g.Go(func() error {
		loadErr = c.ctrl.Select(ctx, sessionID)
		return nil
	})
	g.Wait()

	if readErr != nil {
		c.logger.Warn("failed to mark session read", "session_id", sessionID, "error", readErr)
	}

	if loadErr != nil {
		if errors.Is(loadErr, conversation.ErrSuperseded) {
			return loadErr
		}
		if errors.Is(loadErr, backend.ErrSessionNotFound) {
			c.dir.Evict(sessionID)
			c.clearActive(sessionID)
		}
		return loadErr
	}

	if s, ok := c.dir.Get(sessionID); ok && s.Status == session.StatusProcessing {
		if err := c.ctrl.ResumeProgress(sessionID); err != nil {
			c.logger.Debug("not resuming progress", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

// Delete removes a session. Deleting the active session leaves no session
// selected; another session is never selected automatically.
func (c *Coordinator) Delete(ctx context.Context, sessionID string) error {
	if c.clearActive(sessionID) {
		c.ctrl.Deselect()
	}

	err := c.dir.Delete(ctx, sessionID)

	if c.purger != nil {
		if perr := c.purger.Purge(sessionID); perr != nil {
			c.logger.Warn("failed to purge archived progress", "session_id", sessionID, "error", perr)
		}
	}
	return err
}

// NewChat leaves the active session so the next submission starts a new one
func (c *Coordinator) NewChat() {
	c.mu.Lock()
	c.active = ""
	c.mu.Unlock()
	c.ctrl.Deselect()
}

// Submit sends a query in the active session
func (c *Coordinator) Submit(ctx context.Context, text string) (conversation.Outcome, error) {
	return c.ctrl.Submit(ctx, text)
}

// Close stops the controller and releases its progress channel
func (c *Coordinator) Close() {
	c.ctrl.Close()
}

func (c *Coordinator) clearActive(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != sessionID {
		return false
	}
	c.active = ""
	return true
}
