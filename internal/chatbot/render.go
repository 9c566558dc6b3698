package chatbot

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"

	"AnalystChat/internal/conversation"
	"AnalystChat/internal/progress"
	"AnalystChat/internal/session"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212")).
			Bold(true)

	botStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	progressStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	unreadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))
)

func (cb *ChatBot) print(s string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	fmt.Fprint(cb.out, s)
}

func (cb *ChatBot) println(s string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	fmt.Fprintln(cb.out, s)
}

func (cb *ChatBot) printf(format string, args ...any) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	fmt.Fprintf(cb.out, format, args...)
}

// renderView prints what changed in the conversation since the last view
func (cb *ChatBot) renderView(v conversation.View) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// views are published from several goroutines and may arrive out of order
	if v.Version <= cb.viewVersion {
		return
	}
	cb.viewVersion = v.Version

	fresh, replaced := cb.rendered.Diff(v.SessionID, v.Messages)
	if len(fresh) > 0 && (replaced || v.SessionID != cb.headerFor) {
		fmt.Fprintln(cb.out, dimStyle.Render("--- "+transcriptHeading(v.SessionID)+" ---"))
		cb.headerFor = v.SessionID
	}
	for _, msg := range fresh {
		// the line just typed at the prompt is already on screen
		if msg.Role == session.RoleUser && msg.Content == cb.echoed && msg.Attachment == nil {
			cb.echoed = ""
			continue
		}
		fmt.Fprintln(cb.out, formatMessage(msg))
	}

	if !v.HasChannel {
		cb.progressShown = 0
		cb.channelStatus = progress.StatusConnecting
	} else {
		if cb.progressShown > len(v.Progress) {
			cb.progressShown = 0
		}
		for _, ev := range v.Progress[cb.progressShown:] {
			fmt.Fprintln(cb.out, formatEvent(ev))
		}
		cb.progressShown = len(v.Progress)

		if v.ChannelStatus != cb.channelStatus {
			switch v.ChannelStatus {
			case progress.StatusErrored:
				fmt.Fprintln(cb.out, warningStyle.Render("Lost connection to progress updates."))
			case progress.StatusConnected:
				fmt.Fprintln(cb.out, dimStyle.Render("Connected to progress updates."))
			}
			cb.channelStatus = v.ChannelStatus
		}
	}

	if v.Notice != cb.notice {
		if v.Notice != "" {
			fmt.Fprintln(cb.out, warningStyle.Render(v.Notice))
		}
		cb.notice = v.Notice
	}
}

// renderDirectory announces sessions that gained an unread notification
func (cb *ChatBot) renderDirectory(list []session.Session) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	unread := make(map[string]bool, len(list))
	for _, s := range list {
		if !s.HasUnreadNotification {
			continue
		}
		unread[s.ID] = true
		if !cb.unread[s.ID] {
			fmt.Fprintln(cb.out, unreadStyle.Render(fmt.Sprintf("* New results in %q (%s)", s.Title, s.ID)))
		}
	}
	cb.unread = unread
}

func (cb *ChatBot) printSessionList(list []session.Session) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.listing = cb.listing[:0]
	if len(list) == 0 {
		fmt.Fprintln(cb.out, dimStyle.Render("No sessions."))
		return
	}

	fmt.Fprintln(cb.out, headerStyle.Render(fmt.Sprintf("Sessions (%d)", len(list))))
	w := tabwriter.NewWriter(cb.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tID\tSTATUS\tLAST ACTIVITY\tTITLE")
	for i, s := range list {
		cb.listing = append(cb.listing, s.ID)
		marker := ""
		if s.HasUnreadNotification {
			marker = " *"
		}
		last := "-"
		if !s.LastActivity.IsZero() {
			last = s.LastActivity.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s%s\n", i+1, s.ID, statusLabel(s.Status), last, s.Title, marker)
	}
	w.Flush()
}

func transcriptHeading(sessionID string) string {
	if sessionID == "" {
		return "new chat"
	}
	return "session " + sessionID
}

func statusLabel(s session.Status) string {
	switch s {
	case session.StatusProcessing:
		return "processing"
	case session.StatusError:
		return "error"
	default:
		return "idle"
	}
}

func formatMessage(msg session.Message) string {
	var b strings.Builder
	if msg.Role == session.RoleUser {
		b.WriteString(promptStyle.Render("You: ") + msg.Content)
	} else {
		b.WriteString(botStyle.Render("Bot: ") + msg.Content)
	}
	if msg.Chart != nil {
		b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("  [chart: %s %q]", msg.Chart.Type, msg.Chart.Title)))
	}
	if a := msg.Attachment; a != nil {
		line := "  [file: " + a.Filename
		if a.DownloadURL != "" {
			line += " " + a.DownloadURL
		}
		b.WriteString("\n" + dimStyle.Render(line+"]"))
	}
	return b.String()
}

func formatEvent(ev session.ProgressEvent) string {
	label := fmt.Sprintf("[%3d%%] %s", ev.Percent(), ev.Step)
	if ev.Message != "" {
		label += ": " + ev.Message
	}
	switch {
	case ev.IsFailure():
		return errorStyle.Render(label)
	case ev.IsTerminal():
		return successStyle.Render(label)
	default:
		return progressStyle.Render(label)
	}
}
