package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hazyhaar/tablemill/job"
	"github.com/hazyhaar/tablemill/notify"
)

type recordingTransport struct {
	mu   sync.Mutex
	name string
	sent []job.Event
	fail error
}

func (r *recordingTransport) Name() string { return r.name }

func (r *recordingTransport) Send(_ context.Context, ev job.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, ev)
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestDispatchReachesAllTransports(t *testing.T) {
	a := &recordingTransport{name: "a"}
	b := &recordingTransport{name: "b"}
	d := notify.New([]notify.Transport{a, b}, notify.Options{})

	d.Dispatch(context.Background(), job.Event{JobID: "j1", Outcome: job.OutcomeCompleted, Summary: "done"})

	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("deliveries: a=%d b=%d, want 1 each", a.count(), b.count())
	}
}

func TestFailingTransportDoesNotBlockOthers(t *testing.T) {
	broken := &recordingTransport{name: "broken", fail: errors.New("dbus unavailable")}
	healthy := &recordingTransport{name: "healthy"}
	d := notify.New([]notify.Transport{broken, healthy}, notify.Options{})

	d.Dispatch(context.Background(), job.Event{JobID: "j1", Outcome: job.OutcomeFailed, Summary: "boom"})
	d.Dispatch(context.Background(), job.Event{JobID: "j2", Outcome: job.OutcomeCompleted, Summary: "ok"})

	if healthy.count() != 2 {
		t.Fatalf("healthy transport got %d events, want 2", healthy.count())
	}
}

func TestRunDrainsUntilClose(t *testing.T) {
	tr := &recordingTransport{name: "t"}
	d := notify.New([]notify.Transport{tr}, notify.Options{})

	events := make(chan job.Event, 3)
	events <- job.Event{JobID: "1", Outcome: job.OutcomeCompleted}
	events <- job.Event{JobID: "2", Outcome: job.OutcomeUnmapped}
	events <- job.Event{JobID: "3", Outcome: job.OutcomeTimedOut}
	close(events)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), events)
		close(done)
	}()
	<-done

	if tr.count() != 3 {
		t.Fatalf("delivered %d events, want 3", tr.count())
	}
}

func TestTitle(t *testing.T) {
	cases := map[job.Outcome]string{
		job.OutcomeCompleted: "Document processing complete",
		job.OutcomeUnmapped:  "Document did not match any rule",
		job.OutcomeTimedOut:  "Document processing timed out",
		job.OutcomeFailed:    "Document processing failed",
	}
	for outcome, want := range cases {
		if got := notify.Title(outcome); got != want {
			t.Errorf("Title(%v) = %q, want %q", outcome, got, want)
		}
	}
}
