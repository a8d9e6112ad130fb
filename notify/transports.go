// Desktop and SMTP transports.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"os/exec"
	"strings"
	"time"

	"github.com/hazyhaar/tablemill/job"
)

// CommandTransport shells out to a desktop notifier (notify-send and
// friends: <command> <title> <message>).
type CommandTransport struct {
	// Command is the notifier binary (default: notify-send).
	Command string
	// Timeout bounds the notifier run (default: 10s).
	Timeout time.Duration
}

func (t *CommandTransport) Name() string { return "desktop" }

func (t *CommandTransport) Send(ctx context.Context, ev job.Event) error {
	command := t.Command
	if command == "" {
		command = "notify-send"
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, Title(ev.Outcome), ev.Summary)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w (%s)", command, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SMTPTransport mails the event to the configured recipients.
type SMTPTransport struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

func (t *SMTPTransport) Name() string { return "smtp" }

func (t *SMTPTransport) Send(_ context.Context, ev job.Event) error {
	if t.Host == "" || len(t.To) == 0 {
		return fmt.Errorf("smtp transport not configured")
	}
	port := t.Port
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", t.Host, port)

	var auth smtp.Auth
	if t.Username != "" {
		auth = smtp.PlainAuth("", t.Username, t.Password, t.Host)
	}

	title := Title(ev.Outcome)
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", t.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(t.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", title)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/html; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "<h2>%s</h2>\n<p>%s</p>\n<p>Job: %s</p>\n", title, ev.Summary, ev.JobID)

	if err := smtp.SendMail(addr, auth, t.From, t.To, []byte(b.String())); err != nil {
		return fmt.Errorf("send mail via %s: %w", addr, err)
	}
	return nil
}
