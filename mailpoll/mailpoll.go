// Package mailpoll watches mail accounts for incoming documents.
//
// On each tick every active account is scanned — a bounded number
// concurrently — for messages newer than the account's UID cursor.
// PDF attachments are saved to storage, fingerprinted, deduplicated
// against the seen-set and submitted to the scheduler. The cursor only
// advances after every candidate of the scan has been enqueued, so a
// crash mid-scan re-delivers (at-least-once) and the fingerprint dedup
// makes that idempotent. One account's failure never blocks another's
// scan.
package mailpoll

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/tablemill/job"
	"github.com/hazyhaar/tablemill/scheduler"
	"github.com/hazyhaar/tablemill/store"
)

// Candidate is one attachment discovered in a mailbox, not yet matched
// to a rule.
type Candidate struct {
	UID      uint32
	Sender   string
	Subject  string
	Filename string
	Data     []byte
}

// Source lists new candidates for an account. Implementations must
// return candidates in ascending UID order together with the highest
// UID inspected (0 when nothing new).
type Source interface {
	Fetch(ctx context.Context, acct *store.Account) ([]Candidate, uint32, error)
}

// Submitter is the scheduler intake.
type Submitter interface {
	Submit(ctx context.Context, sub scheduler.Submission) (string, error)
}

// Store is the slice of the record store the poller needs.
type Store interface {
	ListActiveAccounts(ctx context.Context) ([]*store.Account, error)
	AdvanceCursor(ctx context.Context, accountID int64, uid uint32) error
	MarkSeen(ctx context.Context, fingerprint string) (bool, error)
	ForgetSeen(ctx context.Context, fingerprint string) error
}

// Options configures the poller.
type Options struct {
	// Interval between scans (default: 60s).
	Interval time.Duration
	// MaxConcurrent bounds simultaneous account scans (default: 5).
	MaxConcurrent int
	// StorageDir receives saved attachments.
	StorageDir string
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 60 * time.Second
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 5
	}
	if o.StorageDir == "" {
		o.StorageDir = "."
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Poller drives the scan loop.
type Poller struct {
	st     Store
	src    Source
	sub    Submitter
	opts   Options
	logger *slog.Logger
}

// New creates a Poller.
func New(st Store, src Source, sub Submitter, opts Options) *Poller {
	opts.defaults()
	return &Poller{st: st, src: src, sub: sub, opts: opts, logger: opts.Logger}
}

// Run ticks until ctx is cancelled. Scans do not overlap: a tick waits
// for every account of the previous tick to finish.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("mailpoll: started",
		"interval", p.opts.Interval, "max_concurrent", p.opts.MaxConcurrent)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("mailpoll: stopped")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick scans all active accounts once, at most MaxConcurrent at a time.
func (p *Poller) Tick(ctx context.Context) {
	accounts, err := p.st.ListActiveAccounts(ctx)
	if err != nil {
		p.logger.Warn("mailpoll: list accounts failed", "error", err)
		return
	}

	sem := make(chan struct{}, p.opts.MaxConcurrent)
	var wg sync.WaitGroup
	for _, acct := range accounts {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(a *store.Account) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.scanAccount(ctx, a); err != nil {
				p.logger.Warn("mailpoll: account scan failed",
					"account", a.Username, "error", err)
			}
		}(acct)
	}
	wg.Wait()
}

// scanAccount fetches candidates above the cursor, enqueues the new
// ones, and advances the cursor only when every candidate made it into
// the queue.
func (p *Poller) scanAccount(ctx context.Context, acct *store.Account) error {
	candidates, maxUID, err := p.src.Fetch(ctx, acct)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if maxUID == 0 {
		return nil
	}

	for _, c := range candidates {
		if err := p.enqueue(ctx, acct, c); err != nil {
			// Cursor stays put; the next scan re-delivers and dedup
			// suppresses what already went through.
			return fmt.Errorf("enqueue uid %d %s: %w", c.UID, c.Filename, err)
		}
	}

	if err := p.st.AdvanceCursor(ctx, acct.ID, maxUID); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if len(candidates) > 0 {
		p.logger.Info("mailpoll: scan complete",
			"account", acct.Username, "candidates", len(candidates), "cursor", maxUID)
	}
	return nil
}

func (p *Poller) enqueue(ctx context.Context, acct *store.Account, c Candidate) error {
	fp := Fingerprint(acct.ID, c.UID, c.Filename)
	isNew, err := p.st.MarkSeen(ctx, fp)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	if !isNew {
		return nil
	}

	path := filepath.Join(p.opts.StorageDir,
		fmt.Sprintf("%d_%d_%s", acct.ID, c.UID, sanitizeName(c.Filename)))
	if err := os.WriteFile(path, c.Data, 0o644); err != nil {
		p.forget(ctx, fp)
		return fmt.Errorf("save attachment: %w", err)
	}

	_, err = p.sub.Submit(ctx, scheduler.Submission{
		Origin:      job.OriginMail,
		SourcePath:  path,
		SourceName:  c.Filename,
		Sender:      c.Sender,
		Subject:     c.Subject,
		Fingerprint: fp,
	})
	if err != nil {
		p.forget(ctx, fp)
		if errors.Is(err, scheduler.ErrQueueFull) {
			return fmt.Errorf("intake rejected: %w", err)
		}
		return fmt.Errorf("submit: %w", err)
	}
	return nil
}

// forget releases a fingerprint whose enqueue did not go through.
func (p *Poller) forget(ctx context.Context, fp string) {
	if err := p.st.ForgetSeen(ctx, fp); err != nil {
		p.logger.Warn("mailpoll: forget fingerprint failed", "fingerprint", fp, "error", err)
	}
}

// Fingerprint identifies one message attachment across rescans.
func Fingerprint(accountID int64, uid uint32, filename string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%s", accountID, uid, filename)))
	return hex.EncodeToString(h[:])
}

// sanitizeName keeps attachment-derived file names path-safe.
func sanitizeName(name string) string {
	name = filepath.Base(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}
