// Package directory keeps the client's list of sessions in sync with the backend.
//
// The list is replaced wholesale on every refresh, but point mutations made
// locally (create, delete, mark-read, status changes) win over a refresh whose
// request started before they happened.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"AnalystChat/internal/backend"
	"AnalystChat/internal/clock"
	"AnalystChat/internal/notify"
	"AnalystChat/internal/session"
	"AnalystChat/internal/telemetry"
)

// Remote is the part of the backend the directory talks to
type Remote interface {
	ListSessions(ctx context.Context) ([]session.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	MarkRead(ctx context.Context, sessionID string) error
}

// Options configures a Directory
type Options struct {
	Clock       clock.Clock
	Logger      *slog.Logger
	Instruments *telemetry.Instruments
}

// local holds the fields set on this client and when they were set
type local struct {
	created  time.Time
	value    session.Session
	unreadAt time.Time
	statusAt time.Time
	titleAt  time.Time
}

func (l *local) empty() bool {
	return l.created.IsZero() && l.unreadAt.IsZero() && l.statusAt.IsZero() && l.titleAt.IsZero()
}

// Directory is the ordered, observable list of sessions
type Directory struct {
	remote      Remote
	clock       clock.Clock
	logger      *slog.Logger
	instruments *telemetry.Instruments

	mu         sync.Mutex
	sessions   []session.Session
	pending    map[string]*local
	tombstones map[string]time.Time
	updates    notify.Hub[[]session.Session]

	// applied is the request start of the newest refresh merged so far
	applied time.Time
}

// New creates an empty Directory backed by remote
func New(remote Remote, opts Options) (*Directory, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Instruments == nil {
		opts.Instruments = telemetry.Noop()
	}
	return &Directory{
		remote:      remote,
		clock:       opts.Clock,
		logger:      opts.Logger,
		instruments: opts.Instruments,
		pending:     make(map[string]*local),
		tombstones:  make(map[string]time.Time),
	}, nil
}

// Refresh fetches the session list and merges it with local mutations.
// On failure the current list is left untouched. A result that started before
// an already merged refresh is discarded, since the pending mutations it would
// need have been pruned.
func (d *Directory) Refresh(ctx context.Context) error {
	started := d.clock.Now()

	list, err := d.remote.ListSessions(ctx)
	if err != nil {
		d.instruments.RefreshFailed(ctx)
		return fmt.Errorf("failed to refresh sessions: %w", err)
	}

	d.mu.Lock()
	if started.Before(d.applied) {
		d.mu.Unlock()
		d.logger.Debug("discarding stale session refresh", "started", started, "applied", d.applied)
		return nil
	}
	d.applied = started
	merged := d.mergeLocked(list, started)
	changed := !equalSessions(d.sessions, merged)
	d.sessions = merged
	snapshot := d.snapshotLocked()
	d.mu.Unlock()

	d.logger.Debug("session directory refreshed", "sessions", len(snapshot), "changed", changed)
	if changed {
		d.updates.Publish(snapshot)
	}
	return nil
}

// newer reports whether a local mutation at t must survive a refresh started at started.
// Ties go to the local value.
func newer(t, started time.Time) bool {
	return !t.IsZero() && !t.Before(started)
}

func (d *Directory) mergeLocked(list []session.Session, started time.Time) []session.Session {
	fromServer := make([]session.Session, 0, len(list))
	seen := make(map[string]bool, len(list))

	for _, s := range list {
		if seen[s.ID] {
			continue
		}
		if ts, ok := d.tombstones[s.ID]; ok && newer(ts, started) {
			continue
		}
		seen[s.ID] = true

		if l, ok := d.pending[s.ID]; ok {
			if newer(l.unreadAt, started) {
				s.HasUnreadNotification = l.value.HasUnreadNotification
			}
			if newer(l.statusAt, started) {
				s.Status = l.value.Status
			}
			if newer(l.titleAt, started) {
				s.Title = l.value.Title
			}
		}
		fromServer = append(fromServer, s)
	}

	// sessions created here that the server does not report yet
	var created []session.Session
	for _, s := range d.sessions {
		if seen[s.ID] {
			continue
		}
		if l, ok := d.pending[s.ID]; ok && newer(l.created, started) {
			created = append(created, s)
		}
	}

	for id, l := range d.pending {
		if !newer(l.created, started) {
			l.created = time.Time{}
		}
		if !newer(l.unreadAt, started) {
			l.unreadAt = time.Time{}
		}
		if !newer(l.statusAt, started) {
			l.statusAt = time.Time{}
		}
		if !newer(l.titleAt, started) {
			l.titleAt = time.Time{}
		}
		if l.empty() {
			delete(d.pending, id)
		}
	}
	for id, ts := range d.tombstones {
		if !newer(ts, started) {
			delete(d.tombstones, id)
		}
	}

	return append(created, fromServer...)
}

// Create inserts a session created on this client at the top of the list
func (d *Directory) Create(s session.Session) {
	now := d.clock.Now()

	d.mu.Lock()
	d.removeLocked(s.ID)
	delete(d.tombstones, s.ID)
	d.sessions = append([]session.Session{s}, d.sessions...)
	d.pending[s.ID] = &local{
		created:  now,
		value:    s,
		unreadAt: now,
		statusAt: now,
		titleAt:  now,
	}
	snapshot := d.snapshotLocked()
	d.mu.Unlock()

	d.logger.Info("session created", "session_id", s.ID, "title", s.Title)
	d.updates.Publish(snapshot)
}

// Delete removes a session locally and then asks the backend to delete it.
// A remote failure is returned but the local removal stands.
func (d *Directory) Delete(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	d.removeLocked(sessionID)
	delete(d.pending, sessionID)
	d.tombstones[sessionID] = d.clock.Now()
	snapshot := d.snapshotLocked()
	d.mu.Unlock()

	d.updates.Publish(snapshot)

	if err := d.remote.DeleteSession(ctx, sessionID); err != nil {
		if errors.Is(err, backend.ErrSessionNotFound) {
			d.logger.Debug("deleted session was already gone", "session_id", sessionID)
			return nil
		}
		d.logger.Warn("failed to delete session on backend", "session_id", sessionID, "error", err)
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	d.logger.Info("session deleted", "session_id", sessionID)
	return nil
}

// MarkRead clears the unread flag locally and then on the backend
func (d *Directory) MarkRead(ctx context.Context, sessionID string) error {
	d.mutate(sessionID, func(s *session.Session, l *local, now time.Time) {
		s.HasUnreadNotification = false
		l.value.HasUnreadNotification = false
		l.unreadAt = now
	})

	if err := d.remote.MarkRead(ctx, sessionID); err != nil {
		d.logger.Warn("failed to mark session read on backend", "session_id", sessionID, "error", err)
		return fmt.Errorf("failed to mark session %s read: %w", sessionID, err)
	}
	return nil
}

// SetStatus records a status change observed on this client
func (d *Directory) SetStatus(sessionID string, status session.Status) {
	d.mutate(sessionID, func(s *session.Session, l *local, now time.Time) {
		s.Status = status
		l.value.Status = status
		l.statusAt = now
	})
}

// Evict drops a session the backend no longer knows about
func (d *Directory) Evict(sessionID string) {
	d.mu.Lock()
	removed := d.removeLocked(sessionID)
	delete(d.pending, sessionID)
	d.tombstones[sessionID] = d.clock.Now()
	snapshot := d.snapshotLocked()
	d.mu.Unlock()

	if removed {
		d.logger.Info("session evicted", "session_id", sessionID)
		d.updates.Publish(snapshot)
	}
}

// mutate applies fn to a listed session and its pending record. Unknown ids are ignored.
func (d *Directory) mutate(sessionID string, fn func(s *session.Session, l *local, now time.Time)) {
	now := d.clock.Now()

	d.mu.Lock()
	idx := d.indexLocked(sessionID)
	if idx < 0 {
		d.mu.Unlock()
		return
	}
	l, ok := d.pending[sessionID]
	if !ok {
		l = &local{value: d.sessions[idx]}
		d.pending[sessionID] = l
	}
	fn(&d.sessions[idx], l, now)
	snapshot := d.snapshotLocked()
	d.mu.Unlock()

	d.updates.Publish(snapshot)
}

// Sessions returns a copy of the list in display order
func (d *Directory) Sessions() []session.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// Get retrieves a session by id
func (d *Directory) Get(sessionID string) (session.Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx := d.indexLocked(sessionID); idx >= 0 {
		return d.sessions[idx], true
	}
	return session.Session{}, false
}

// Search returns the sessions whose title contains term, ignoring case
func (d *Directory) Search(term string) []session.Session {
	term = strings.ToLower(strings.TrimSpace(term))

	d.mu.Lock()
	defer d.mu.Unlock()
	if term == "" {
		return d.snapshotLocked()
	}
	var out []session.Session
	for _, s := range d.sessions {
		if strings.Contains(strings.ToLower(s.Title), term) {
			out = append(out, s)
		}
	}
	return out
}

// Subscribe registers fn for list changes and returns an unsubscribe function
func (d *Directory) Subscribe(fn func([]session.Session)) func() {
	return d.updates.Subscribe(fn)
}

func (d *Directory) indexLocked(sessionID string) int {
	for i, s := range d.sessions {
		if s.ID == sessionID {
			return i
		}
	}
	return -1
}

func (d *Directory) removeLocked(sessionID string) bool {
	idx := d.indexLocked(sessionID)
	if idx < 0 {
		return false
	}
	d.sessions = append(d.sessions[:idx], d.sessions[idx+1:]...)
	return true
}

func (d *Directory) snapshotLocked() []session.Session {
	out := make([]session.Session, len(d.sessions))
	copy(out, d.sessions)
	return out
}

func equalSessions(a, b []session.Session) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID ||
			a[i].Title != b[i].Title ||
			a[i].Status != b[i].Status ||
			a[i].HasUnreadNotification != b[i].HasUnreadNotification ||
			!a[i].LastActivity.Equal(b[i].LastActivity.Time) {
			return false
		}
	}
	return true
}
