package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"AnalystChat/internal/backend"
	"AnalystChat/internal/clock"
	"AnalystChat/internal/progress"
	"AnalystChat/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second

type fakeAPI struct {
	mu            sync.Mutex
	submit        func(ctx context.Context, text, sessionID string) (backend.QueryResponse, error)
	transcripts   map[string][]session.Message
	transcriptErr error
	submitted     []string
}

func (f *fakeAPI) SubmitQuery(ctx context.Context, text, sessionID string) (backend.QueryResponse, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, text)
	submit := f.submit
	f.mu.Unlock()
	return submit(ctx, text, sessionID)
}

func (f *fakeAPI) GetTranscript(ctx context.Context, sessionID string) ([]session.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transcriptErr != nil {
		return nil, f.transcriptErr
	}
	msgs, ok := f.transcripts[sessionID]
	if !ok {
		return nil, &backend.RequestError{Op: "get transcript", StatusCode: 404, Kind: backend.ErrSessionNotFound}
	}
	return append([]session.Message(nil), msgs...), nil
}

func (f *fakeAPI) UploadFile(ctx context.Context, name, contentType string, r io.Reader, size int64) (backend.UploadResponse, error) {
	if err := backend.ValidateUpload(name, contentType, size); err != nil {
		return backend.UploadResponse{}, err
	}
	return backend.UploadResponse{FileID: "f-1", Filename: name, Status: "success"}, nil
}

func (f *fakeAPI) setTranscript(id string, msgs ...session.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transcripts == nil {
		f.transcripts = make(map[string][]session.Message)
	}
	f.transcripts[id] = msgs
}

type fakeSink struct {
	mu       sync.Mutex
	created  []session.Session
	statuses map[string]session.Status
}

func (s *fakeSink) SessionCreated(sess session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, sess)
}

func (s *fakeSink) SessionStatusChanged(id string, status session.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses == nil {
		s.statuses = make(map[string]session.Status)
	}
	s.statuses[id] = status
}

func (s *fakeSink) status(id string) session.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

func (s *fakeSink) createdSessions() []session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.Session(nil), s.created...)
}

// scriptConn is a progress transport fed by the test
type scriptConn struct {
	frames chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func (c *scriptConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.errs:
		return nil, err
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type scriptDialer struct {
	mu    sync.Mutex
	conns map[string]*scriptConn
}

func (d *scriptDialer) Dial(ctx context.Context, sessionID string) (progress.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &scriptConn{frames: make(chan []byte), errs: make(chan error), closed: make(chan struct{})}
	if d.conns == nil {
		d.conns = make(map[string]*scriptConn)
	}
	d.conns[sessionID] = c
	return c, nil
}

func (d *scriptDialer) send(t *testing.T, sessionID, frame string) {
	t.Helper()
	var conn *scriptConn
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		conn = d.conns[sessionID]
		return conn != nil
	}, waitFor, time.Millisecond)
	select {
	case conn.frames <- []byte(frame):
	case <-time.After(waitFor):
		t.Fatal("progress frame not consumed")
	}
}

func (d *scriptDialer) fail(t *testing.T, sessionID string, err error) {
	t.Helper()
	var conn *scriptConn
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		conn = d.conns[sessionID]
		return conn != nil
	}, waitFor, time.Millisecond)
	select {
	case conn.errs <- err:
	case <-time.After(waitFor):
		t.Fatal("progress error not consumed")
	}
}

type harness struct {
	api      *fakeAPI
	sink     *fakeSink
	dialer   *scriptDialer
	clock    *clock.Fake
	registry *progress.Registry
	ctrl     *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		api:    &fakeAPI{},
		sink:   &fakeSink{},
		dialer: &scriptDialer{},
		clock:  clock.NewFake(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)),
	}

	reg, err := progress.NewRegistry(progress.Options{
		Dialer:     h.dialer,
		Clock:      h.clock,
		GraceDelay: progress.DefaultGraceDelay,
		Logger:     logger,
	})
	require.NoError(t, err)
	h.registry = reg

	h.ctrl, err = New(Options{API: h.api, Streams: reg, Sink: h.sink, Clock: h.clock, Logger: logger})
	require.NoError(t, err)

	t.Cleanup(func() {
		h.ctrl.Close()
		h.registry.CloseAll()
	})
	return h
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestSubmitImmediateChartStartsSession(t *testing.T) {
	h := newHarness(t)
	h.api.submit = func(ctx context.Context, text, sessionID string) (backend.QueryResponse, error) {
		assert.Empty(t, sessionID)
		return backend.QueryResponse{
			SessionID:       "s1",
			Status:          backend.QueryStatusComplete,
			ResponseContent: "Here is the chart",
			ResponseType:    "chart",
			ChartData:       &session.ChartSpec{Type: "bar", Title: "Sales"},
		}, nil
	}

	out, err := h.ctrl.Submit(context.Background(), "  Show me sales by region  ")
	require.NoError(t, err)

	imm, ok := out.(Immediate)
	require.True(t, ok)
	assert.Equal(t, "s1", imm.SessionID)
	require.NotNil(t, imm.Message.Chart)
	assert.Equal(t, "bar", imm.Message.Chart.Type)

	v := h.ctrl.Snapshot()
	assert.Equal(t, StateLoaded, v.State)
	assert.Equal(t, "s1", v.SessionID)
	require.Len(t, v.Messages, 2)
	assert.Equal(t, session.RoleUser, v.Messages[0].Role)
	assert.Equal(t, "Show me sales by region", v.Messages[0].Content)
	assert.Equal(t, session.RoleAssistant, v.Messages[1].Role)

	created := h.sink.createdSessions()
	require.Len(t, created, 1)
	assert.Equal(t, "s1", created[0].ID)
	assert.Equal(t, "Show me sales by region", created[0].Title)
	assert.Equal(t, session.StatusIdle, created[0].Status)
}

func TestSubmitImmediateFallsBackToMessage(t *testing.T) {
	h := newHarness(t)
	h.api.submit = func(ctx context.Context, text, sessionID string) (backend.QueryResponse, error) {
		return backend.QueryResponse{SessionID: "s1", Status: backend.QueryStatusComplete, Message: "Done"}, nil
	}

	out, err := h.ctrl.Submit(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "Done", out.(Immediate).Message.Content)
}

func TestSubmitProcessingReloadsTranscriptAfterCompletion(t *testing.T) {
	h := newHarness(t)
	h.api.submit = func(ctx context.Context, text, sessionID string) (backend.QueryResponse, error) {
		return backend.QueryResponse{SessionID: "s2", Status: backend.QueryStatusProcessing, Message: "Processing started"}, nil
	}
	h.api.setTranscript("s2",
		session.Message{Role: session.RoleUser, Content: "Forecast churn"},
		session.Message{Role: session.RoleAssistant, Content: "Churn will fall 3%"},
	)

	out, err := h.ctrl.Submit(context.Background(), "Forecast churn")
	require.NoError(t, err)
	assert.Equal(t, Processing{SessionID: "s2"}, out)

	v := h.ctrl.Snapshot()
	assert.Equal(t, StateAwaitingProcessing, v.State)
	assert.Len(t, v.Messages, 1)
	assert.True(t, v.HasChannel)

	created := h.sink.createdSessions()
	require.Len(t, created, 1)
	assert.Equal(t, session.StatusProcessing, created[0].Status)

	// a second query is refused while the job runs
	_, err = h.ctrl.Submit(context.Background(), "another")
	assert.ErrorIs(t, err, ErrBusy)

	h.dialer.send(t, "s2", `{"step":"Starting","message":"Starting analysis","timestamp":"T0","step_number":0,"total_steps":2}`)
	h.dialer.send(t, "s2", `{"step":"Finished","message":"Response ready","timestamp":"T1"}`)

	ch, ok := h.registry.Get("s2")
	require.True(t, ok)
	require.Eventually(t, ch.Terminal, waitFor, time.Millisecond)
	assert.Len(t, h.ctrl.Snapshot().Progress, 2)

	h.clock.Advance(progress.DefaultGraceDelay)

	require.Eventually(t, func() bool { return h.ctrl.Snapshot().State == StateLoaded }, waitFor, time.Millisecond)
	v = h.ctrl.Snapshot()
	require.Len(t, v.Messages, 2)
	assert.Equal(t, "Churn will fall 3%", v.Messages[1].Content)
	assert.False(t, v.HasChannel)
	assert.Empty(t, v.Notice)
	assert.Equal(t, session.StatusIdle, h.sink.status("s2"))
	assert.Equal(t, 0, h.registry.Count())
}

func TestProcessingErrorStepMarksSessionErrored(t *testing.T) {
	h := newHarness(t)
	h.api.submit = func(ctx context.Context, text, sessionID string) (backend.QueryResponse, error) {
		return backend.QueryResponse{SessionID: "s3", Status: backend.QueryStatusProcessing}, nil
	}
	h.api.setTranscript("s3", session.Message{Role: session.RoleUser, Content: "q"})

	_, err := h.ctrl.Submit(context.Background(), "q")
	require.NoError(t, err)

	h.dialer.send(t, "s3", `{"step":"Error","message":"query failed","timestamp":"T0"}`)
	ch, _ := h.registry.Get("s3")
	require.Eventually(t, ch.Terminal, waitFor, time.Millisecond)
	h.clock.Advance(progress.DefaultGraceDelay)

	require.Eventually(t, func() bool { return h.sink.status("s3") == session.StatusError }, waitFor, time.Millisecond)
}

func TestProcessingStreamLostFallsBackToReload(t *testing.T) {
	h := newHarness(t)
	h.api.submit = func(ctx context.Context, text, sessionID string) (backend.QueryResponse, error) {
		return backend.QueryResponse{SessionID: "s4", Status: backend.QueryStatusProcessing}, nil
	}
	h.api.setTranscript("s4", session.Message{Role: session.RoleUser, Content: "q"})

	_, err := h.ctrl.Submit(context.Background(), "q")
	require.NoError(t, err)

	h.dialer.fail(t, "s4", errors.New("connection reset"))

	require.Eventually(t, func() bool { return h.ctrl.Snapshot().State == StateLoaded }, waitFor, time.Millisecond)
	v := h.ctrl.Snapshot()
	assert.NotEmpty(t, v.Notice)
	assert.Len(t, v.Messages, 1)
	assert.Empty(t, h.sink.status("s4"))
}

func TestSubmitBusyWhileAwaitingImmediate(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	h.api.submit = func(ctx context.Context, text, sessionID string) (backend.QueryResponse, error) {
		close(entered)
		<-release
		return backend.QueryResponse{SessionID: "s1", Status: backend.QueryStatusComplete, ResponseContent: "ok"}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Submit(context.Background(), "first")
		done <- err
	}()
	<-entered

	assert.Equal(t, StateAwaitingImmediate, h.ctrl.Snapshot().State)
	_, err := h.ctrl.Submit(context.Background(), "second")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Len(t, h.ctrl.Snapshot().Messages, 1)

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, h.ctrl.Snapshot().Messages, 2)
}

func TestSubmitFailureAppendsErrorReply(t *testing.T) {
	h := newHarness(t)
	h.api.submit = func(ctx context.Context, text, sessionID string) (backend.QueryResponse, error) {
		return backend.QueryResponse{}, &backend.RequestError{Op: "submit query", StatusCode: 500, Kind: backend.ErrRemoteUnavailable}
	}

	_, err := h.ctrl.Submit(context.Background(), "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrRemoteUnavailable)

	v := h.ctrl.Snapshot()
	assert.Equal(t, StateIdle, v.State)
	require.Len(t, v.Messages, 2)
	assert.Equal(t, errorReply, v.Messages[1].Content)
	assert.Empty(t, h.sink.createdSessions())

	// the next submission is accepted
	h.api.submit = func(ctx context.Context, text, sessionID string) (backend.QueryResponse, error) {
		return backend.QueryResponse{SessionID: "s1", Status: backend.QueryStatusComplete, ResponseContent: "ok"}, nil
	}
	_, err = h.ctrl.Submit(context.Background(), "again")
	require.NoError(t, err)
}

func TestSubmitFailureInExistingSessionStaysLoaded(t *testing.T) {
	h := newHarness(t)
	h.api.setTranscript("s1", session.Message{Role: session.RoleUser, Content: "earlier"})
	require.NoError(t, h.ctrl.Select(context.Background(), "s1"))

	h.api.submit = func(ctx context.Context, text, sessionID string) (backend.QueryResponse, error) {
		assert.Equal(t, "s1", sessionID)
		return backend.QueryResponse{}, errors.New("timeout")
	}
	_, err := h.ctrl.Submit(context.Background(), "q")
	require.Error(t, err)

	v := h.ctrl.Snapshot()
	assert.Equal(t, StateLoaded, v.State)
	assert.Len(t, v.Messages, 3)
}

func TestSubmitEmptyIsValidationError(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Submit(context.Background(), "   ")
	assert.ErrorIs(t, err, backend.ErrValidation)
	assert.Empty(t, h.api.submitted)
	assert.Empty(t, h.ctrl.Snapshot().Messages)
}

func TestStaleSubmitResponseIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.api.setTranscript("other", session.Message{Role: session.RoleUser, Content: "other"})
	release := make(chan struct{})
	entered := make(chan struct{})
	h.api.submit = func(ctx context.Context, text, sessionID string) (backend.QueryResponse, error) {
		close(entered)
		<-release
		return backend.QueryResponse{SessionID: "s9", Status: backend.QueryStatusComplete, ResponseContent: "late"}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Submit(context.Background(), "q")
		done <- err
	}()
	<-entered

	require.NoError(t, h.ctrl.Select(context.Background(), "other"))
	close(release)
	assert.ErrorIs(t, <-done, ErrSuperseded)

	v := h.ctrl.Snapshot()
	assert.Equal(t, "other", v.SessionID)
	require.Len(t, v.Messages, 1)
	assert.Equal(t, "other", v.Messages[0].Content)
	assert.Empty(t, h.sink.createdSessions())
}

func TestSelectMissingSessionGoesIdle(t *testing.T) {
	h := newHarness(t)
	err := h.ctrl.Select(context.Background(), "gone")
	assert.ErrorIs(t, err, backend.ErrSessionNotFound)

	v := h.ctrl.Snapshot()
	assert.Equal(t, StateIdle, v.State)
	assert.Empty(t, v.SessionID)
	assert.NotEmpty(t, v.Notice)
}

func TestSelectFailureKeepsBinding(t *testing.T) {
	h := newHarness(t)
	h.api.transcriptErr = &backend.RequestError{Op: "get transcript", StatusCode: 503, Kind: backend.ErrRemoteUnavailable}

	err := h.ctrl.Select(context.Background(), "s1")
	assert.ErrorIs(t, err, backend.ErrRemoteUnavailable)
	v := h.ctrl.Snapshot()
	assert.Equal(t, "s1", v.SessionID)
	assert.NotEmpty(t, v.Notice)
}

func TestSelectClosesLiveChannel(t *testing.T) {
	h := newHarness(t)
	h.api.submit = func(ctx context.Context, text, sessionID string) (backend.QueryResponse, error) {
		return backend.QueryResponse{SessionID: "s2", Status: backend.QueryStatusProcessing}, nil
	}
	h.api.setTranscript("s1", session.Message{Role: session.RoleUser, Content: "hello"})

	_, err := h.ctrl.Submit(context.Background(), "q")
	require.NoError(t, err)
	ch, ok := h.registry.Get("s2")
	require.True(t, ok)

	require.NoError(t, h.ctrl.Select(context.Background(), "s1"))
	select {
	case <-ch.Stopped():
	case <-time.After(waitFor):
		t.Fatal("channel of previous session not closed")
	}
	assert.Equal(t, 0, h.registry.Count())

	v := h.ctrl.Snapshot()
	assert.Equal(t, StateLoaded, v.State)
	assert.False(t, v.HasChannel)
}

func TestResumeProgress(t *testing.T) {
	h := newHarness(t)
	h.api.setTranscript("s1", session.Message{Role: session.RoleUser, Content: "q"})
	require.NoError(t, h.ctrl.Select(context.Background(), "s1"))

	assert.ErrorIs(t, h.ctrl.ResumeProgress("other"), ErrSuperseded)
	require.NoError(t, h.ctrl.ResumeProgress("s1"))
	assert.Equal(t, StateAwaitingProcessing, h.ctrl.Snapshot().State)
	assert.ErrorIs(t, h.ctrl.ResumeProgress("s1"), ErrBusy)

	h.dialer.send(t, "s1", `{"step":"Completed","message":"done","timestamp":"T0"}`)
	ch, _ := h.registry.Get("s1")
	require.Eventually(t, ch.Terminal, waitFor, time.Millisecond)
	h.clock.Advance(progress.DefaultGraceDelay)
	require.Eventually(t, func() bool { return h.ctrl.Snapshot().State == StateLoaded }, waitFor, time.Millisecond)
}

func TestDeselect(t *testing.T) {
	h := newHarness(t)
	h.api.setTranscript("s1", session.Message{Role: session.RoleUser, Content: "q"})
	require.NoError(t, h.ctrl.Select(context.Background(), "s1"))

	h.ctrl.Deselect()
	v := h.ctrl.Snapshot()
	assert.Equal(t, StateIdle, v.State)
	assert.Empty(t, v.SessionID)
	assert.Empty(t, v.Messages)
}

func TestAttachFile(t *testing.T) {
	h := newHarness(t)

	_, err := h.ctrl.AttachFile(context.Background(), "sales.csv", "text/csv", strings.NewReader("a,b\n1,2\n"), 8)
	require.NoError(t, err)

	v := h.ctrl.Snapshot()
	require.Len(t, v.Messages, 1)
	assert.Equal(t, "Uploaded file: sales.csv", v.Messages[0].Content)
	require.NotNil(t, v.Messages[0].Attachment)
	assert.Equal(t, "f-1", v.Messages[0].Attachment.FileID)

	_, err = h.ctrl.AttachFile(context.Background(), "notes.txt", "text/plain", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, backend.ErrValidation)
	assert.Len(t, h.ctrl.Snapshot().Messages, 1)
}

func TestSubscribeReceivesViews(t *testing.T) {
	h := newHarness(t)
	h.api.submit = func(ctx context.Context, text, sessionID string) (backend.QueryResponse, error) {
		return backend.QueryResponse{SessionID: "s1", Status: backend.QueryStatusComplete, ResponseContent: "ok"}, nil
	}

	var mu sync.Mutex
	var states []State
	var versions []uint64
	unsubscribe := h.ctrl.Subscribe(func(v View) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, v.State)
		versions = append(versions, v.Version)
	})
	defer unsubscribe()

	_, err := h.ctrl.Submit(context.Background(), "q")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateAwaitingImmediate, StateLoaded}, states)
	require.Len(t, versions, 2)
	assert.Less(t, versions[0], versions[1])
	assert.Equal(t, versions[1], h.ctrl.Snapshot().Version)
}

func TestClosedControllerRejectsWork(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Close()
	_, err := h.ctrl.Submit(context.Background(), "q")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.ctrl.Select(context.Background(), "s1"), ErrClosed)
}
