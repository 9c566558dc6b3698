// Package conversation drives the request cycle of the active session: the
// optimistic user message, the submission, the progress stream of a background
// job and the transcript reload that ends it.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"AnalystChat/internal/backend"
	"AnalystChat/internal/clock"
	"AnalystChat/internal/notify"
	"AnalystChat/internal/progress"
	"AnalystChat/internal/session"
)

// DefaultReloadTimeout bounds the transcript reload after a background job finishes
const DefaultReloadTimeout = 30 * time.Second

// API is the part of the backend the controller calls
type API interface {
	SubmitQuery(ctx context.Context, text, sessionID string) (backend.QueryResponse, error)
	GetTranscript(ctx context.Context, sessionID string) ([]session.Message, error)
	UploadFile(ctx context.Context, name, contentType string, r io.Reader, size int64) (backend.UploadResponse, error)
}

// Streams hands out progress channels, one per session
type Streams interface {
	Acquire(sessionID string) *progress.Channel
	Release(sessionID string, ch *progress.Channel)
}

// SessionSink is told about sessions the controller creates or changes
type SessionSink interface {
	SessionCreated(s session.Session)
	SessionStatusChanged(sessionID string, status session.Status)
}

// Options configures a Controller
type Options struct {
	API           API
	Streams       Streams
	Sink          SessionSink
	Clock         clock.Clock
	Logger        *slog.Logger
	ReloadTimeout time.Duration
}

// Controller owns the transcript and request state of the active session
type Controller struct {
	api           API
	streams       Streams
	sink          SessionSink
	clock         clock.Clock
	logger        *slog.Logger
	reloadTimeout time.Duration

	mu          sync.Mutex
	state       State
	sessionID   string
	messages    []session.Message
	notice      string
	generation  uint64
	closed      bool
	channel     *progress.Channel
	unsubscribe func()
	watchStop   chan struct{}
	version     uint64

	watchers sync.WaitGroup
	updates  notify.Hub[View]
}

// New creates a Controller with no active session
func New(opts Options) (*Controller, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("api cannot be nil")
	}
	if opts.Streams == nil {
		return nil, fmt.Errorf("streams cannot be nil")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("session sink cannot be nil")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.ReloadTimeout <= 0 {
		opts.ReloadTimeout = DefaultReloadTimeout
	}
	return &Controller{
		api:           opts.API,
		streams:       opts.Streams,
		sink:          opts.Sink,
		clock:         opts.Clock,
		logger:        opts.Logger,
		reloadTimeout: opts.ReloadTimeout,
		state:         StateIdle,
	}, nil
}

// Snapshot returns the current view
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers fn for view changes and returns an unsubscribe function
func (c *Controller) Subscribe(fn func(View)) func() {
	return c.updates.Subscribe(fn)
}

// Select makes sessionID the active session and loads its transcript
func (c *Controller) Select(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.generation++
	gen := c.generation
	release := c.detachLocked()
	c.sessionID = sessionID
	c.messages = nil
	c.notice = ""
	c.state = StateLoaded
	c.mu.Unlock()

	release()
	c.publish()

	messages, err := c.api.GetTranscript(ctx, sessionID)

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		c.logger.Debug("discarding stale transcript", "session_id", sessionID)
		return ErrSuperseded
	}
	if err != nil {
		if errors.Is(err, backend.ErrSessionNotFound) {
			c.sessionID = ""
			c.state = StateIdle
			c.notice = "This conversation no longer exists."
		} else {
			c.notice = "Could not load this conversation. Please try again."
		}
		c.mu.Unlock()
		c.publish()
		c.logger.Warn("failed to load transcript", "session_id", sessionID, "error", err)
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	c.messages = messages
	c.mu.Unlock()

	c.logger.Info("session selected", "session_id", sessionID, "messages", len(messages))
	c.publish()
	return nil
}

// Deselect leaves the active session and clears the transcript
func (c *Controller) Deselect() {
	c.mu.Lock()
	c.generation++
	release := c.detachLocked()
	c.sessionID = ""
	c.messages = nil
	c.notice = ""
	c.state = StateIdle
	c.mu.Unlock()

	release()
	c.publish()
}

// ResumeProgress follows the progress stream of the active session, e.g. after
// selecting a session the directory reports as processing.
func (c *Controller) ResumeProgress(sessionID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.sessionID != sessionID {
		c.mu.Unlock()
		return ErrSuperseded
	}
	if c.state.Awaiting() {
		c.mu.Unlock()
		return ErrBusy
	}
	c.state = StateAwaitingProcessing
	gen := c.generation
	c.mu.Unlock()

	c.publish()
	c.watch(sessionID, gen)
	return nil
}

// Submit sends text as a query in the active session, starting a new session when none is active
func (c *Controller) Submit(ctx context.Context, text string) (Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &backend.ValidationError{Field: "query", Reason: "must not be empty"}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state.Awaiting() {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	sessionID := c.sessionID
	gen := c.generation
	c.messages = append(c.messages, session.Message{
		Role:      session.RoleUser,
		Content:   text,
		Timestamp: session.NewTime(c.clock.Now()),
	})
	c.notice = ""
	c.state = StateAwaitingImmediate
	c.mu.Unlock()
	c.publish()

	c.logger.Info("submitting query", "session_id", sessionID, "new_session", sessionID == "")
	resp, err := c.api.SubmitQuery(ctx, text, sessionID)
	if err == nil && sessionID == "" && resp.SessionID == "" {
		err = fmt.Errorf("query response has no session id: %w", backend.ErrBadResponse)
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		c.logger.Info("discarding response for inactive session", "session_id", resp.SessionID)
		return nil, ErrSuperseded
	}
	if err != nil {
		c.messages = append(c.messages, session.Message{
			Role:      session.RoleAssistant,
			Content:   errorReply,
			Timestamp: session.NewTime(c.clock.Now()),
		})
		if c.sessionID == "" {
			c.state = StateIdle
		} else {
			c.state = StateLoaded
		}
		c.mu.Unlock()
		c.publish()
		c.logger.Error("query failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("failed to submit query: %w", err)
	}

	isNew := sessionID == ""
	if isNew {
		sessionID = resp.SessionID
		c.sessionID = sessionID
	}
	now := c.clock.Now()
	created := session.Session{
		ID:           sessionID,
		Title:        session.TitleFromQuery(text),
		CreatedAt:    session.NewTime(now),
		LastActivity: session.NewTime(now),
	}

	if resp.IsProcessing() {
		c.state = StateAwaitingProcessing
		c.mu.Unlock()
		c.publish()

		if isNew {
			created.Status = session.StatusProcessing
			c.sink.SessionCreated(created)
		} else {
			c.sink.SessionStatusChanged(sessionID, session.StatusProcessing)
		}
		c.watch(sessionID, gen)
		return Processing{SessionID: sessionID}, nil
	}

	reply := session.Message{
		Role:       session.RoleAssistant,
		Content:    resp.ResponseContent,
		Timestamp:  session.NewTime(now),
		Attachment: resp.FileInfo,
		Chart:      resp.ChartData,
		Progress:   resp.Progress,
	}
	if reply.Content == "" {
		reply.Content = resp.Message
	}
	c.messages = append(c.messages, reply)
	c.state = StateLoaded
	c.mu.Unlock()
	c.publish()

	if isNew {
		created.Status = session.StatusIdle
		c.sink.SessionCreated(created)
	}
	return Immediate{SessionID: sessionID, Message: reply}, nil
}

// AttachFile uploads a file and records it in the transcript
func (c *Controller) AttachFile(ctx context.Context, name, contentType string, r io.Reader, size int64) (backend.UploadResponse, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return backend.UploadResponse{}, ErrClosed
	}
	gen := c.generation
	c.mu.Unlock()

	resp, err := c.api.UploadFile(ctx, name, contentType, r, size)
	if err != nil {
		return backend.UploadResponse{}, fmt.Errorf("failed to upload %s: %w", name, err)
	}

	filename := resp.Filename
	if filename == "" {
		filename = name
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return resp, nil
	}
	c.messages = append(c.messages, session.Message{
		Role:      session.RoleUser,
		Content:   "Uploaded file: " + filename,
		Timestamp: session.NewTime(c.clock.Now()),
		Attachment: &session.FileInfo{
			FileID:   resp.FileID,
			Filename: filename,
			FileType: contentType,
		},
	})
	c.mu.Unlock()

	c.logger.Info("file uploaded", "file_id", resp.FileID, "filename", filename)
	c.publish()
	return resp, nil
}

// Close releases the progress channel and waits for background watchers
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.generation++
	release := c.detachLocked()
	c.mu.Unlock()

	release()
	c.watchers.Wait()
}

// watch acquires the progress channel of sessionID and waits for it in the background
func (c *Controller) watch(sessionID string, gen uint64) {
	ch := c.streams.Acquire(sessionID)

	c.mu.Lock()
	if c.closed || c.generation != gen {
		c.mu.Unlock()
		c.streams.Release(sessionID, ch)
		return
	}
	stop := make(chan struct{})
	c.channel = ch
	c.watchStop = stop
	c.unsubscribe = ch.Subscribe(func(progress.Update) { c.publish() })
	c.watchers.Add(1)
	c.mu.Unlock()

	c.publish()
	go c.awaitCompletion(sessionID, gen, ch, stop)
}

func (c *Controller) awaitCompletion(sessionID string, gen uint64, ch *progress.Channel, stop <-chan struct{}) {
	defer c.watchers.Done()

	completed := false
	select {
	case <-ch.Done():
		completed = true
	case <-stop:
		return
	case <-ch.Stopped():
		// the transport may end before the grace delay after a terminal step
		if ch.Terminal() {
			select {
			case <-ch.Done():
				completed = true
			case <-stop:
				return
			}
		}
	}

	failed := false
	for _, ev := range ch.Events() {
		if ev.IsTerminal() {
			failed = ev.IsFailure()
			break
		}
	}

	c.mu.Lock()
	if c.generation != gen || c.channel != ch {
		c.mu.Unlock()
		return
	}
	unsubscribe := c.unsubscribe
	c.channel = nil
	c.unsubscribe = nil
	c.watchStop = nil
	c.mu.Unlock()

	unsubscribe()
	c.streams.Release(sessionID, ch)

	ctx, cancel := context.WithTimeout(context.Background(), c.reloadTimeout)
	defer cancel()
	messages, err := c.api.GetTranscript(ctx, sessionID)

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	switch {
	case err != nil:
		c.notice = "Could not reload the conversation. Select it again to retry."
	case !completed:
		c.messages = messages
		c.notice = "Lost connection to progress updates. Showing the latest saved messages."
	default:
		c.messages = messages
	}
	c.state = StateLoaded
	c.mu.Unlock()
	c.publish()

	if err != nil {
		c.logger.Warn("failed to reload transcript", "session_id", sessionID, "error", err)
	}
	if !completed {
		c.logger.Warn("progress stream ended before completion", "session_id", sessionID, "status", ch.Status().String())
		return
	}

	status := session.StatusIdle
	if failed {
		status = session.StatusError
	}
	c.logger.Info("processing finished", "session_id", sessionID, "status", status)
	c.sink.SessionStatusChanged(sessionID, status)
}

// detachLocked drops the live channel and returns the cleanup to run without the lock
func (c *Controller) detachLocked() func() {
	ch, unsubscribe, stop := c.channel, c.unsubscribe, c.watchStop
	c.channel, c.unsubscribe, c.watchStop = nil, nil, nil
	if stop != nil {
		close(stop)
	}
	return func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		if ch != nil {
			c.streams.Release(ch.SessionID(), ch)
		}
	}
}

func (c *Controller) publish() {
	c.mu.Lock()
	c.version++
	v := c.snapshotLocked()
	c.mu.Unlock()
	c.updates.Publish(v)
}

func (c *Controller) snapshotLocked() View {
	v := View{
		Version:   c.version,
		State:     c.state,
		SessionID: c.sessionID,
		Messages:  append([]session.Message(nil), c.messages...),
		Notice:    c.notice,
	}
	if c.channel != nil {
		v.HasChannel = true
		v.Progress = c.channel.Events()
		v.ChannelStatus = c.channel.Status()
	}
	return v
}
