// IMAP-backed Source implementation.
package mailpoll

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"github.com/hazyhaar/tablemill/store"
)

// IMAPSource fetches candidates over IMAP/TLS. One connection per scan;
// accounts are independent so scans parallelize at the Poller level.
type IMAPSource struct {
	// Timeout applies to dialing and to every IMAP command (default: 30s).
	Timeout time.Duration
	// MaxEmailSize skips messages larger than this (default: 50 MB).
	MaxEmailSize int64
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (s *IMAPSource) defaults() {
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.MaxEmailSize <= 0 {
		s.MaxEmailSize = 50 * 1024 * 1024
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
}

// Fetch lists PDF attachments of messages newer than the account cursor.
func (s *IMAPSource) Fetch(ctx context.Context, acct *store.Account) ([]Candidate, uint32, error) {
	s.defaults()

	addr := fmt.Sprintf("%s:%d", acct.Host, acct.Port)
	dialer := &net.Dialer{Timeout: s.Timeout}
	c, err := client.DialWithDialerTLS(dialer, addr, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("dial %s: %w", addr, err)
	}
	c.Timeout = s.Timeout
	defer c.Logout()

	if err := c.Login(acct.Username, acct.Password); err != nil {
		return nil, 0, fmt.Errorf("login %s: %w", acct.Username, err)
	}
	if _, err := c.Select(acct.Folder, true); err != nil {
		return nil, 0, fmt.Errorf("select %s: %w", acct.Folder, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(acct.LastUID+1, 0) // 0 means *
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, 0, fmt.Errorf("uid search: %w", err)
	}

	// "UID n:*" always matches the newest message, even below n.
	var maxUID uint32
	fresh := uids[:0]
	for _, uid := range uids {
		if uid <= acct.LastUID {
			continue
		}
		fresh = append(fresh, uid)
		if uid > maxUID {
			maxUID = uid
		}
	}
	if len(fresh) == 0 {
		return nil, 0, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(fresh...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, imap.FetchRFC822Size, section.FetchItem()}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() { done <- c.UidFetch(seqset, items, messages) }()

	var candidates []Candidate
	for msg := range messages {
		if err := ctx.Err(); err != nil {
			// Drain so UidFetch can finish.
			for range messages {
			}
			<-done
			return nil, 0, err
		}
		if s.MaxEmailSize > 0 && int64(msg.Size) > s.MaxEmailSize {
			s.logger().Warn("mailpoll: message too large, skipping",
				"account", acct.Username, "uid", msg.Uid, "size", msg.Size)
			continue
		}
		candidates = append(candidates, s.attachments(acct, msg, section)...)
	}
	if err := <-done; err != nil {
		return nil, 0, fmt.Errorf("uid fetch: %w", err)
	}
	return candidates, maxUID, nil
}

// attachments walks the MIME parts of one message for PDF attachments.
func (s *IMAPSource) attachments(acct *store.Account, msg *imap.Message, section *imap.BodySectionName) []Candidate {
	body := msg.GetBody(section)
	if body == nil {
		return nil
	}
	mr, err := mail.CreateReader(body)
	if err != nil {
		s.logger().Warn("mailpoll: unreadable message",
			"account", acct.Username, "uid", msg.Uid, "error", err)
		return nil
	}

	sender, subject := envelopeMeta(msg)
	var out []Candidate
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.logger().Warn("mailpoll: broken MIME part",
				"account", acct.Username, "uid", msg.Uid, "error", err)
			break
		}
		ah, ok := p.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		filename, err := ah.Filename()
		if err != nil || !strings.EqualFold(filepath.Ext(filename), ".pdf") {
			continue
		}
		data, err := io.ReadAll(p.Body)
		if err != nil {
			s.logger().Warn("mailpoll: attachment read failed",
				"account", acct.Username, "uid", msg.Uid, "file", filename, "error", err)
			continue
		}
		out = append(out, Candidate{
			UID:      msg.Uid,
			Sender:   sender,
			Subject:  subject,
			Filename: filename,
			Data:     data,
		})
	}
	return out
}

func envelopeMeta(msg *imap.Message) (sender, subject string) {
	if msg.Envelope == nil {
		return "", ""
	}
	if len(msg.Envelope.From) > 0 {
		sender = msg.Envelope.From[0].Address()
	}
	return sender, msg.Envelope.Subject
}

func (s *IMAPSource) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
