package chatbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"AnalystChat/internal/archive"
	"AnalystChat/internal/backend"
	"AnalystChat/internal/cache"
	"AnalystChat/internal/config"
	"AnalystChat/internal/conversation"
	"AnalystChat/internal/coordinator"
	"AnalystChat/internal/directory"
	"AnalystChat/internal/progress"
	"AnalystChat/internal/session"
	"AnalystChat/internal/telemetry"
)

// ChatBot is the terminal front-end of the analytics assistant
type ChatBot struct {
	config      *config.Config
	logger      *slog.Logger
	instruments *telemetry.Instruments
	client      *backend.Client
	archive     *archive.Store
	registry    *progress.Registry
	dir         *directory.Directory
	coord       *coordinator.Coordinator
	poller      *directory.Poller
	cleanups    []func()

	// render state, guarded by mu
	mu            sync.Mutex
	out           io.Writer
	viewVersion   uint64
	rendered      cache.Transcript
	headerFor     string
	echoed        string
	progressShown int
	channelStatus progress.Status
	notice        string
	listing       []string
	unread        map[string]bool
}

// NewChatBot wires the backend client, progress streams, session directory and
// coordinator from cfg
func NewChatBot(cfg *config.Config) (*ChatBot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cb := &ChatBot{
		config: cfg,
		logger: logger,
		out:    os.Stdout,
		unread: make(map[string]bool),
	}
	cb.cleanups = append(cb.cleanups, func() { closeLog() })

	if err := cb.init(); err != nil {
		cb.Close()
		return nil, err
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}
	logger.Info("analystchat started", "api_url", cfg.APIURL, "user_email", cfg.UserEmail)
	return cb, nil
}

func (cb *ChatBot) init() error {
	cfg := cb.config

	cb.instruments = telemetry.Noop()
	if cfg.TelemetryEnabled {
		tracer, meter, shutdown, err := telemetry.InitTelemetry(context.Background(), cfg.LogDir)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		// shutdown runs before the log file is closed
		cb.cleanups = append([]func(){shutdown}, cb.cleanups...)

		cb.instruments, err = telemetry.NewInstruments(tracer, meter)
		if err != nil {
			return fmt.Errorf("failed to create instruments: %w", err)
		}
	}

	client, err := backend.NewClient(backend.Options{
		BaseURL:     cfg.APIURL,
		UserEmail:   cfg.UserEmail,
		Timeout:     cfg.RequestTimeout,
		Logger:      cb.logger,
		Instruments: cb.instruments,
	})
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}
	cb.client = client

	streamOpts := progress.Options{
		Dialer:      &progress.WebSocketDialer{URL: client.ProgressURL},
		GraceDelay:  cfg.GraceDelay,
		Logger:      cb.logger,
		Instruments: cb.instruments,
	}
	var purger coordinator.Purger
	if cfg.ArchivePath != "" {
		store, err := archive.Open(cfg.ArchivePath, cb.logger)
		if err != nil {
			return fmt.Errorf("failed to open progress archive: %w", err)
		}
		cb.archive = store
		cb.cleanups = append([]func(){func() { store.Close() }}, cb.cleanups...)
		streamOpts.Recorder = store
		purger = store
	}

	cb.registry, err = progress.NewRegistry(streamOpts)
	if err != nil {
		return fmt.Errorf("failed to create progress registry: %w", err)
	}

	cb.dir, err = directory.New(client, directory.Options{Logger: cb.logger, Instruments: cb.instruments})
	if err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	cb.coord, err = coordinator.New(coordinator.Options{
		Directory: cb.dir,
		API:       client,
		Streams:   cb.registry,
		Logger:    cb.logger,
		Purger:    purger,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	cb.poller = directory.NewPoller(cb.dir, cfg.RefreshInterval)
	return nil
}

// Close stops background work and releases every resource
func (cb *ChatBot) Close() {
	if cb.poller != nil {
		cb.poller.Stop()
	}
	if cb.coord != nil {
		cb.coord.Close()
	}
	if cb.registry != nil {
		cb.registry.CloseAll()
	}
	for _, fn := range cb.cleanups {
		fn()
	}
	cb.cleanups = nil
}

// Run starts the interactive chat loop, reading lines from in until EOF or /quit
func (cb *ChatBot) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	cb.mu.Lock()
	cb.out = out
	cb.mu.Unlock()

	unsubscribeView := cb.coord.Conversation().Subscribe(cb.renderView)
	defer unsubscribeView()
	unsubscribeDir := cb.dir.Subscribe(cb.renderDirectory)
	defer unsubscribeDir()

	if err := cb.poller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session poller: %w", err)
	}
	defer cb.poller.Stop()

	cb.println(headerStyle.Render("=== Analyst Chat ==="))
	cb.printf("Backend: %s\n", cb.config.APIURL)
	cb.println("Type a question to start a new chat, /help for commands, /quit to exit")
	cb.println("")

	scanner := bufio.NewScanner(in)
	for {
		cb.print(promptStyle.Render("You: "))
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				cb.println(errorStyle.Render("Error: " + err.Error()))
				cb.logger.Error("command error", "command", input, "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		cb.submit(ctx, input)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	cb.println("Goodbye!")
	return nil
}

func (cb *ChatBot) submit(ctx context.Context, input string) {
	cb.mu.Lock()
	cb.echoed = input
	cb.mu.Unlock()

	outcome, err := cb.coord.Submit(ctx, input)
	switch {
	case errors.Is(err, conversation.ErrBusy):
		cb.println(warningStyle.Render("Still working on the previous query. Please wait for it to finish."))
		return
	case errors.Is(err, conversation.ErrSuperseded):
		return
	case errors.Is(err, backend.ErrValidation):
		cb.println(warningStyle.Render(err.Error()))
		return
	case err != nil:
		// the controller already added the error reply to the transcript
		cb.logger.Error("failed to send message", "error", err)
		return
	}

	if p, ok := outcome.(conversation.Processing); ok {
		cb.println(dimStyle.Render(fmt.Sprintf("Processing in the background (session %s)...", p.SessionID)))
	}
}

// handleCommand handles slash commands. It reports whether the loop should end.
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		cb.coord.NewChat()
		cb.println("Started a new chat. Your next question creates a session.")
		return false, nil

	case "/sessions":
		term := strings.Join(parts[1:], " ")
		cb.printSessionList(cb.dir.Search(term))
		return false, nil

	case "/refresh":
		if err := cb.dir.Refresh(ctx); err != nil {
			return false, err
		}
		cb.printSessionList(cb.dir.Sessions())
		return false, nil

	case "/select":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /select <session-id|number>")
		}
		id := cb.resolveSession(parts[1])
		if err := cb.coord.Select(ctx, id); err != nil {
			if errors.Is(err, conversation.ErrSuperseded) {
				return false, nil
			}
			return false, err
		}
		return false, nil

	case "/delete":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /delete <session-id|number>")
		}
		id := cb.resolveSession(parts[1])
		err := cb.coord.Delete(ctx, id)
		cb.println(fmt.Sprintf("Deleted session %s", id))
		if err != nil {
			return false, fmt.Errorf("the server could not delete the session: %w", err)
		}
		return false, nil

	case "/upload":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /upload <path>")
		}
		return false, cb.upload(ctx, strings.Join(parts[1:], " "))

	case "/help":
		cb.println("Available commands:")
		cb.println("  /quit, /exit              - Exit the chat")
		cb.println("  /new                      - Start a new chat")
		cb.println("  /sessions [term]          - List sessions, optionally filtered by title")
		cb.println("  /refresh                  - Reload the session list from the server")
		cb.println("  /select <id|number>       - Open a session")
		cb.println("  /delete <id|number>       - Delete a session")
		cb.println("  /upload <path>            - Upload a CSV, Excel or PDF file (max 10MB)")
		cb.println("  /help                     - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", parts[0])
	}
}

// resolveSession maps a number from the last listing to its session id
func (cb *ChatBot) resolveSession(arg string) string {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return arg
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if n >= 1 && n <= len(cb.listing) {
		return cb.listing[n-1]
	}
	return arg
}

func (cb *ChatBot) upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	name := filepath.Base(path)
	resp, err := cb.coord.Conversation().AttachFile(ctx, name, backend.ContentTypeForFile(name), f, info.Size())
	if err != nil {
		return err
	}
	cb.println(successStyle.Render(fmt.Sprintf("Uploaded %s (file id %s)", resp.Filename, resp.FileID)))
	return nil
}

// PrintSessions refreshes the directory once and prints it
func (cb *ChatBot) PrintSessions(ctx context.Context, out io.Writer, term string) error {
	cb.mu.Lock()
	cb.out = out
	cb.mu.Unlock()

	if err := cb.dir.Refresh(ctx); err != nil {
		return err
	}
	cb.printSessionList(cb.dir.Search(term))
	return nil
}

// PrintProgress prints the backend's progress log of a session followed by the
// locally archived events, if an archive is configured
func (cb *ChatBot) PrintProgress(ctx context.Context, out io.Writer, sessionID string) error {
	cb.mu.Lock()
	cb.out = out
	cb.mu.Unlock()

	status, err := cb.client.Status(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to get session status: %w", err)
	}
	cb.printf("Session %s: %s\n", sessionID, statusLabel(session.NormalizeStatus(status.Status)))

	logs, err := cb.client.ProgressLog(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to get progress log: %w", err)
	}
	if len(logs) == 0 {
		cb.println(dimStyle.Render("No progress recorded on the server."))
	}
	for _, ev := range logs {
		cb.println(formatEvent(ev))
	}

	if cb.archive == nil {
		return nil
	}
	history, err := cb.archive.History(sessionID)
	if err != nil {
		return fmt.Errorf("failed to read progress archive: %w", err)
	}
	cb.println("")
	cb.println(headerStyle.Render(fmt.Sprintf("Archived events (%d)", len(history))))
	for _, ev := range history {
		cb.println(formatEvent(ev))
	}
	return nil
}

// Watch follows the progress stream of a session until it completes, fails or ctx ends
func (cb *ChatBot) Watch(ctx context.Context, out io.Writer, sessionID string) error {
	cb.mu.Lock()
	cb.out = out
	cb.mu.Unlock()

	ch := cb.registry.Acquire(sessionID)
	defer cb.registry.Release(sessionID, ch)

	cb.println(dimStyle.Render("Watching progress of " + sessionID + "..."))

	// the backend replays its log on connect, possibly before the subscription exists
	var printMu sync.Mutex
	printed := 0
	printNew := func() {
		printMu.Lock()
		defer printMu.Unlock()
		events := ch.Events()
		for _, ev := range events[printed:] {
			cb.println(formatEvent(ev))
		}
		printed = len(events)
	}

	unsubscribe := ch.Subscribe(func(u progress.Update) {
		if u.Event != nil {
			printNew()
		}
	})
	defer unsubscribe()
	printNew()

	select {
	case <-ch.Done():
		cb.println(successStyle.Render("Processing complete."))
		return nil
	case <-ch.Stopped():
		if ch.Terminal() {
			select {
			case <-ch.Done():
				cb.println(successStyle.Render("Processing complete."))
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := ch.Err(); err != nil {
			return err
		}
		cb.println(warningStyle.Render("Progress stream closed before completion."))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
