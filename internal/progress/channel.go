package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"AnalystChat/internal/clock"
	"AnalystChat/internal/notify"
	"AnalystChat/internal/session"
	"AnalystChat/internal/telemetry"
)

// DefaultGraceDelay keeps a terminal step visible before completion is signalled
const DefaultGraceDelay = 2 * time.Second

// Recorder receives every accepted event, e.g. a local archive
type Recorder interface {
	Record(sessionID string, ev session.ProgressEvent) error
}

// Options configures progress channels
type Options struct {
	Dialer      Dialer
	Clock       clock.Clock
	GraceDelay  time.Duration
	Logger      *slog.Logger
	Instruments *telemetry.Instruments
	Recorder    Recorder // optional
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Instruments == nil {
		o.Instruments = telemetry.Noop()
	}
	if o.GraceDelay < 0 {
		o.GraceDelay = 0
	}
	return o
}

// Update is published whenever a channel's observable state changes
type Update struct {
	SessionID string
	Status    Status
	Event     *session.ProgressEvent // set when an event was appended
	Completed bool
}

// Channel is one live subscription to the progress events of a session.
// Events are deduplicated on (timestamp, step) and kept in arrival order.
// The first terminal event schedules completion after the grace delay; events
// arriving after completion are ignored. Channels never reconnect.
type Channel struct {
	sessionID string
	opts      Options
	logger    *slog.Logger

	mu        sync.Mutex
	status    Status
	err       error
	events    []session.ProgressEvent
	seen      map[session.EventKey]struct{}
	terminal  bool
	completed bool
	closed    bool
	grace     clock.Timer
	conn      Conn

	cancel  context.CancelFunc
	done    chan struct{}
	stopped chan struct{}
	updates notify.Hub[Update]
}

// Open starts connecting to the progress stream of sessionID and returns at once.
// Failures are reported through Status and Err.
func Open(sessionID string, opts Options) *Channel {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Channel{
		sessionID: sessionID,
		opts:      opts,
		logger:    opts.Logger.With("session_id", sessionID),
		status:    StatusConnecting,
		seen:      make(map[session.EventKey]struct{}),
		cancel:    cancel,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	go c.run(ctx)
	return c
}

// SessionID returns the session this channel follows
func (c *Channel) SessionID() string {
	return c.sessionID
}

// Events returns a copy of the accepted events in arrival order
func (c *Channel) Events() []session.ProgressEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]session.ProgressEvent, len(c.events))
	copy(out, c.events)
	return out
}

// Status returns the connectivity state
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns the transport error when Status is StatusErrored
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Terminal reports whether a terminal event has been accepted
func (c *Channel) Terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// Completed reports whether the complete signal has fired
func (c *Channel) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Done is closed when the complete signal fires
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Stopped is closed once the transport has been released and the read loop exited
func (c *Channel) Stopped() <-chan struct{} {
	return c.stopped
}

// Subscribe registers fn for state changes and returns an unsubscribe function.
// fn runs on the channel's read loop or timer goroutine and must not block.
func (c *Channel) Subscribe(fn func(Update)) func() {
	return c.updates.Subscribe(fn)
}

// Close releases the transport and cancels a pending completion. It is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
	if c.status == StatusConnecting || c.status == StatusConnected {
		c.status = StatusDisconnected
	}
	conn := c.conn
	status := c.status
	c.mu.Unlock()

	c.cancel()

	var err error
	if conn != nil {
		if cerr := conn.Close(); cerr != nil {
			err = fmt.Errorf("failed to close progress transport: %w", cerr)
		}
	}

	c.logger.Debug("progress channel closed")
	c.updates.Publish(Update{SessionID: c.sessionID, Status: status})
	return err
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.stopped)

	conn, err := c.opts.Dialer.Dial(ctx, c.sessionID)
	if err != nil {
		c.transportFailed("dial", err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.status = StatusConnected
	c.mu.Unlock()

	c.logger.Info("progress stream connected")
	c.updates.Publish(Update{SessionID: c.sessionID, Status: StatusConnected})

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			c.transportFailed("read", err)
			return
		}
		c.handle(ctx, raw)
	}
}

// transportFailed records the end of the transport. A close we initiated or a
// clean close by the peer is a disconnect; anything else is an error.
func (c *Channel) transportFailed(op string, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if errors.Is(err, io.EOF) {
		c.status = StatusDisconnected
	} else {
		c.status = StatusErrored
		c.err = &TransportError{SessionID: c.sessionID, Op: op, Err: err}
	}
	status := c.status
	c.mu.Unlock()

	if status == StatusErrored {
		c.logger.Warn("progress transport failed", "op", op, "error", err)
	} else {
		c.logger.Info("progress stream disconnected")
	}
	c.updates.Publish(Update{SessionID: c.sessionID, Status: status})
}

func (c *Channel) handle(ctx context.Context, raw []byte) {
	ev, err := parseEvent(raw)
	if err != nil {
		c.opts.Instruments.EventMalformed(ctx)
		c.logger.Debug("dropping progress event", "error", err)
		return
	}

	c.mu.Lock()
	if c.completed || c.closed {
		c.mu.Unlock()
		c.logger.Debug("ignoring progress event after completion", "step", ev.Step)
		return
	}
	key := ev.Key()
	if _, dup := c.seen[key]; dup {
		c.mu.Unlock()
		c.opts.Instruments.EventDuplicate(ctx)
		c.logger.Debug("ignoring duplicate progress event", "step", ev.Step, "timestamp", ev.Timestamp)
		return
	}
	c.seen[key] = struct{}{}
	c.events = append(c.events, ev)
	if ev.IsTerminal() && !c.terminal {
		c.terminal = true
		c.grace = c.opts.Clock.AfterFunc(c.opts.GraceDelay, c.complete)
	}
	status := c.status
	c.mu.Unlock()

	c.opts.Instruments.EventAccepted(ctx)
	c.logger.Debug("progress event", "step", ev.Step, "step_number", ev.StepNumber, "total_steps", ev.TotalSteps)
	if c.opts.Recorder != nil {
		if err := c.opts.Recorder.Record(c.sessionID, ev); err != nil {
			c.logger.Warn("failed to archive progress event", "error", err)
		}
	}

	c.updates.Publish(Update{SessionID: c.sessionID, Status: status, Event: &ev})
}

func (c *Channel) complete() {
	c.mu.Lock()
	if c.completed || c.closed {
		c.mu.Unlock()
		return
	}
	c.completed = true
	c.grace = nil
	close(c.done)
	status := c.status
	count := len(c.events)
	c.mu.Unlock()

	c.logger.Info("progress stream complete", "events", count)
	c.updates.Publish(Update{SessionID: c.sessionID, Status: status, Completed: true})
}

func parseEvent(raw []byte) (session.ProgressEvent, error) {
	var ev session.ProgressEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return session.ProgressEvent{}, &MalformedEvent{Raw: raw, Err: err}
	}
	if ev.Step == "" {
		return session.ProgressEvent{}, &MalformedEvent{Raw: raw, Err: errors.New("missing step")}
	}
	return ev, nil
}
