// Package scheduler owns the job queue and worker pool and drives each
// job through matching → extraction → transformation → writing.
//
// The intake queue has a hard capacity: Submit either accepts a job or
// returns ErrQueueFull immediately — an accepted job is never dropped.
// A fixed pool of workers pulls jobs FIFO, persisting every state
// transition before acting on the next stage. Each job runs under a
// wall-clock timeout propagated as context cancellation into whichever
// stage is active. The scheduler is the single authority for retry vs.
// terminal failure: transient errors and timeouts are retried with
// growing backoff while attempts remain, everything else fails the job
// permanently. Terminal transitions are published on the event stream
// consumed by the notification dispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/tablemill/extract"
	"github.com/hazyhaar/tablemill/job"
	"github.com/hazyhaar/tablemill/rules"
	"github.com/hazyhaar/tablemill/transform"
)

// ErrQueueFull is returned by Submit when the intake queue is at
// capacity. Callers must handle it; the scheduler never blocks intake.
var ErrQueueFull = errors.New("scheduler: intake queue full")

// Store is the slice of the record store the scheduler needs.
type Store interface {
	UpsertJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	ListNonTerminal(ctx context.Context) ([]*job.Job, error)
	LatestRules(ctx context.Context) ([]*rules.Rule, error)
	GetRuleVersion(ctx context.Context, id, version int64) (*rules.Rule, error)
}

// Extractor produces raw tables from a document.
type Extractor interface {
	Extract(ctx context.Context, path string, spec rules.ExtractionSpec) ([]extract.Table, error)
}

// Transformer normalizes raw tables under a rule.
type Transformer interface {
	Apply(ctx context.Context, tables []extract.Table, rule *rules.Rule) (*transform.RowSet, error)
}

// ArtifactWriter writes the spreadsheet artifact.
type ArtifactWriter interface {
	Write(ctx context.Context, rs *transform.RowSet, finalPath string) error
}

// Options configures the scheduler.
type Options struct {
	// Workers is the fixed worker-pool size (default: 3).
	Workers int
	// QueueSize caps accepted, non-terminal jobs (default: 1000).
	QueueSize int
	// Timeout is the per-job wall-clock budget (default: 5m).
	Timeout time.Duration
	// MaxAttempts bounds retries of transient failures and timeouts
	// (default: 3).
	MaxAttempts int
	// RetryBackoff is the base backoff; attempt n waits n×backoff
	// (default: 5s).
	RetryBackoff time.Duration
	// OutputDir receives finished artifacts.
	OutputDir string
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 5 * time.Second
	}
	if o.OutputDir == "" {
		o.OutputDir = "."
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Submission is a request to process one document.
type Submission struct {
	Origin      job.Origin
	SourcePath  string
	SourceName  string
	Sender      string
	Subject     string
	Fingerprint string
	// RuleID, when non-zero, binds the job to that rule's latest
	// version and skips matching.
	RuleID int64
}

// Scheduler coordinates the pipeline.
type Scheduler struct {
	store  Store
	ex     Extractor
	tr     Transformer
	wr     ArtifactWriter
	opts   Options
	logger *slog.Logger

	// slots bounds accepted non-terminal jobs; a slot is taken at
	// Submit and released only on a terminal transition, so every
	// queue send below is guaranteed to have room.
	slots  chan struct{}
	queue  chan *job.Job
	events chan job.Event

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. Call Start before Submit.
func New(st Store, ex Extractor, tr Transformer, wr ArtifactWriter, opts Options) *Scheduler {
	opts.defaults()
	return &Scheduler{
		store:  st,
		ex:     ex,
		tr:     tr,
		wr:     wr,
		opts:   opts,
		logger: opts.Logger,
		slots:  make(chan struct{}, opts.QueueSize),
		queue:  make(chan *job.Job, opts.QueueSize),
		events: make(chan job.Event, 64),
	}
}

// Events is the terminal-transition stream. Best-effort: events are
// dropped (with a log line) if no subscriber keeps up.
func (s *Scheduler) Events() <-chan job.Event { return s.events }

// Start fails over interrupted jobs and launches the worker pool.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}

	s.runCtx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.logger.Info("scheduler: started",
		"workers", s.opts.Workers, "queue_size", s.opts.QueueSize, "timeout", s.opts.Timeout)
	return nil
}

// Stop cancels all in-flight work and waits for the workers to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	close(s.events)
	s.logger.Info("scheduler: stopped")
}

// recoverInterrupted marks jobs left non-terminal by a crash as failed.
// Re-running them transparently is unsafe: the interruption may have been
// mid-side-effect.
func (s *Scheduler) recoverInterrupted(ctx context.Context) error {
	stuck, err := s.store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, j := range stuck {
		was := j.State
		j.State = job.StateFailed
		j.ErrorMsg = "interrupted"
		j.FinishedAt = time.Now()
		if err := s.store.UpsertJob(ctx, j); err != nil {
			return err
		}
		s.logger.Warn("scheduler: interrupted job failed over", "id", j.ID, "was", was)
	}
	return nil
}

// Submit enqueues a document for processing. Returns the job id, or
// ErrQueueFull when the intake queue is at capacity.
func (s *Scheduler) Submit(ctx context.Context, sub Submission) (string, error) {
	select {
	case s.slots <- struct{}{}:
	default:
		return "", ErrQueueFull
	}

	j := &job.Job{
		ID:          uuid.NewString(),
		Origin:      sub.Origin,
		SourcePath:  sub.SourcePath,
		SourceName:  sub.SourceName,
		Sender:      sub.Sender,
		Subject:     sub.Subject,
		Fingerprint: sub.Fingerprint,
		RuleID:      sub.RuleID,
		State:       job.StateQueued,
		SubmittedAt: time.Now(),
	}
	if err := s.store.UpsertJob(ctx, j); err != nil {
		<-s.slots
		return "", fmt.Errorf("persist job: %w", err)
	}

	s.queue <- j // cannot block: the slot reserves room
	s.logger.Info("scheduler: job accepted", "id", j.ID, "origin", j.Origin, "source", j.SourceName)
	return j.ID, nil
}

// Status returns the persisted view of a job. Returns nil, nil when the
// id is unknown.
func (s *Scheduler) Status(ctx context.Context, id string) (*job.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case j := <-s.queue:
			s.process(j)
		}
	}
}

// stats carries the completion numbers used in the notification summary.
type stats struct {
	tables  int
	rows    int
	started time.Time
}

func (s *Scheduler) process(j *job.Job) {
	j.Attempts++
	if j.StartedAt.IsZero() {
		j.StartedAt = time.Now()
	}

	jctx, cancel := context.WithTimeout(s.runCtx, s.opts.Timeout)
	st := stats{started: time.Now()}
	err := s.run(jctx, j, &st)
	cancel()
	// An attempt is a timeout only when the error itself came from the
	// expired deadline. A permanent failure that lands just as the
	// deadline expires keeps its own classification.
	timedOut := errors.Is(err, context.DeadlineExceeded)

	switch {
	case err == nil:
		s.finish(j, job.StateCompleted, job.KindNone, "", &st)

	case timedOut:
		j.State = job.StateTimedOut
		j.ErrorKind = job.KindTimeout
		j.ErrorMsg = fmt.Sprintf("exceeded %s processing budget", s.opts.Timeout)
		s.persist(j)
		if j.Attempts < s.opts.MaxAttempts {
			s.requeue(j)
		} else {
			s.finish(j, job.StateFailed, job.KindTimeout, j.ErrorMsg, nil)
		}

	case s.runCtx.Err() != nil:
		// Shutdown mid-job: leave the job non-terminal; the next start
		// fails it over as interrupted.
		return

	default:
		kind := job.KindOf(err)
		switch {
		case kind == job.KindNoRule:
			s.finish(j, job.StateUnmapped, kind, err.Error(), nil)
		case kind.Retryable() && j.Attempts < s.opts.MaxAttempts:
			j.State = job.StateQueued
			j.ErrorKind = kind
			j.ErrorMsg = err.Error()
			s.persist(j)
			s.requeue(j)
		default:
			s.finish(j, job.StateFailed, kind, err.Error(), nil)
		}
	}
}

// run drives one attempt through the pipeline stages. Every transition
// is persisted before the stage executes.
func (s *Scheduler) run(ctx context.Context, j *job.Job, st *stats) error {
	rule, err := s.matchStage(ctx, j)
	if err != nil {
		return err
	}

	if err := s.transition(ctx, j, job.StateExtracting); err != nil {
		return err
	}
	tables, err := s.ex.Extract(ctx, j.SourcePath, rule.Extraction)
	if err != nil {
		return err
	}
	st.tables = len(tables)

	if err := s.transition(ctx, j, job.StateTransforming); err != nil {
		return err
	}
	rs, err := s.tr.Apply(ctx, tables, rule)
	if err != nil {
		return err
	}
	st.rows = len(rs.Rows)

	if err := s.transition(ctx, j, job.StateWriting); err != nil {
		return err
	}
	out := filepath.Join(s.opts.OutputDir, artifactName(j))
	if err := s.wr.Write(ctx, rs, out); err != nil {
		return err
	}
	j.OutputPath = out
	return nil
}

func (s *Scheduler) matchStage(ctx context.Context, j *job.Job) (*rules.Rule, error) {
	if err := s.transition(ctx, j, job.StateMatching); err != nil {
		return nil, err
	}

	// A retry of a previously matched job re-binds the exact snapshot.
	if j.RuleID != 0 && j.RuleVersion != 0 {
		rule, err := s.store.GetRuleVersion(ctx, j.RuleID, j.RuleVersion)
		if err != nil {
			return nil, job.Errorf(job.KindTransientIO, "load rule %d v%d: %v", j.RuleID, j.RuleVersion, err)
		}
		if rule == nil {
			return nil, job.Errorf(job.KindNoRule, "rule %d v%d no longer exists", j.RuleID, j.RuleVersion)
		}
		return rule, nil
	}

	list, err := s.store.LatestRules(ctx)
	if err != nil {
		return nil, job.Errorf(job.KindTransientIO, "load rules: %v", err)
	}

	var rule *rules.Rule
	if j.RuleID != 0 {
		for _, r := range list {
			if r.ID == j.RuleID {
				rule = r
				break
			}
		}
		if rule == nil {
			return nil, job.Errorf(job.KindNoRule, "requested rule %d not found", j.RuleID)
		}
	} else {
		r, ok := rules.Match(list, rules.Meta{Sender: j.Sender, Subject: j.Subject, Filename: j.SourceName})
		if !ok {
			return nil, job.Errorf(job.KindNoRule, "no rule matches sender=%q subject=%q file=%q",
				j.Sender, j.Subject, j.SourceName)
		}
		rule = r
	}

	// Bind the snapshot so retries and history see this exact version.
	j.RuleID, j.RuleVersion = rule.ID, rule.Version
	if err := s.store.UpsertJob(ctx, j); err != nil {
		return nil, job.Errorf(job.KindTransientIO, "persist rule binding: %v", err)
	}
	return rule, nil
}

func (s *Scheduler) transition(ctx context.Context, j *job.Job, to job.State) error {
	j.State = to
	if err := s.store.UpsertJob(ctx, j); err != nil {
		return job.Errorf(job.KindTransientIO, "persist %s transition: %v", to, err)
	}
	return nil
}

// finish moves j to a terminal state, releases its queue slot and emits
// the notification event.
func (s *Scheduler) finish(j *job.Job, state job.State, kind job.Kind, msg string, st *stats) {
	j.State = state
	j.ErrorKind = kind
	j.ErrorMsg = msg
	j.FinishedAt = time.Now()
	s.persist(j)
	<-s.slots

	ev := job.Event{JobID: j.ID}
	switch state {
	case job.StateCompleted:
		ev.Outcome = job.OutcomeCompleted
		ev.Summary = fmt.Sprintf("Processed %s → %s (%d tables, %d rows) in %s",
			j.SourceName, filepath.Base(j.OutputPath), st.tables, st.rows,
			time.Since(st.started).Round(time.Millisecond))
	case job.StateUnmapped:
		ev.Outcome = job.OutcomeUnmapped
		ev.Summary = fmt.Sprintf("No mapping rule matches %s", j.SourceName)
	default:
		ev.Outcome = job.OutcomeFailed
		if kind == job.KindTimeout {
			ev.Outcome = job.OutcomeTimedOut
		}
		ev.Summary = fmt.Sprintf("Processing %s failed after %d attempts: %s", j.SourceName, j.Attempts, msg)
	}

	select {
	case s.events <- ev:
	default:
		s.logger.Warn("scheduler: event stream full, dropping", "id", j.ID, "outcome", ev.Outcome)
	}

	s.logger.Info("scheduler: job finished",
		"id", j.ID, "state", state, "attempts", j.Attempts, "error", msg)
}

// requeue parks the job for its backoff, then puts it back on the queue.
// The job keeps its slot, so the send cannot block.
func (s *Scheduler) requeue(j *job.Job) {
	backoff := time.Duration(j.Attempts) * s.opts.RetryBackoff
	s.logger.Info("scheduler: retrying job", "id", j.ID, "attempt", j.Attempts, "backoff", backoff)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(backoff):
			j.State = job.StateQueued
			s.persist(j)
			s.queue <- j
		case <-s.runCtx.Done():
		}
	}()
}

// persist writes the job row, logging rather than failing: state updates
// outside a stage have no caller to propagate to.
func (s *Scheduler) persist(j *job.Job) {
	if err := s.store.UpsertJob(context.Background(), j); err != nil {
		s.logger.Error("scheduler: persist failed", "id", j.ID, "state", j.State, "error", err)
	}
}

// artifactName derives the spreadsheet file name from the source name.
func artifactName(j *job.Job) string {
	base := strings.TrimSuffix(j.SourceName, filepath.Ext(j.SourceName))
	if base == "" {
		base = j.ID
	}
	return fmt.Sprintf("%s_%s.xlsx", base, j.ID[:8])
}
