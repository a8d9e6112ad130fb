// Package e2e tests the full intake chain wired the way the daemon wires
// it: poller → scheduler → transform → spreadsheet on disk, with the
// record store and HTTP API shared between them. Only the PDF reader is
// stubbed; everything downstream of extraction is real.
package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/hazyhaar/tablemill/extract"
	"github.com/hazyhaar/tablemill/httpapi"
	"github.com/hazyhaar/tablemill/job"
	"github.com/hazyhaar/tablemill/mailpoll"
	"github.com/hazyhaar/tablemill/notify"
	"github.com/hazyhaar/tablemill/rules"
	"github.com/hazyhaar/tablemill/scheduler"
	"github.com/hazyhaar/tablemill/store"
	"github.com/hazyhaar/tablemill/transform"
	"github.com/hazyhaar/tablemill/xlsxout"
)

// stubReader stands in for the PDF parser: it returns the tables a real
// invoice scan would yield, regardless of file content.
type stubReader struct{}

func (stubReader) Extract(_ context.Context, _ string, _ rules.ExtractionSpec) ([]extract.Table, error) {
	return []extract.Table{{
		Page: 1,
		Rows: [][]string{
			{"Date", "Item", "Amount"},
			{"2026-01-02", "Widgets", "$1,200.50"},
			{"2026-01-03", "Gears", "$75.00"},
		},
	}}, nil
}

// batchSource delivers one fixed mailbox scan.
type batchSource struct {
	mu    sync.Mutex
	batch []mailpoll.Candidate
	max   uint32
}

func (b *batchSource) Fetch(_ context.Context, _ *store.Account) ([]mailpoll.Candidate, uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batch, b.max, nil
}

// captureTransport records delivered notifications.
type captureTransport struct {
	mu     sync.Mutex
	events []job.Event
}

func (c *captureTransport) Name() string { return "capture" }

func (c *captureTransport) Send(_ context.Context, ev job.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureTransport) wait(t *testing.T) job.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.events) > 0 {
			ev := c.events[0]
			c.mu.Unlock()
			return ev
		}
		c.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no notification delivered")
	return job.Event{}
}

func TestMailToSpreadsheet(t *testing.T) {
	st := store.OpenMemory(t)
	outDir := t.TempDir()
	pdfDir := t.TempDir()

	if _, _, err := st.SaveRule(&rules.Rule{
		Name:  "vendor-invoices",
		Match: rules.MatchSpec{Sender: "billing@vendor.com", Filename: "*.pdf"},
		Extraction: rules.ExtractionSpec{
			Strategy: rules.StrategyAuto,
		},
		Ops: []rules.Op{
			{Kind: rules.OpRename, Column: "Date", To: "date"},
			{Kind: rules.OpRename, Column: "Item", To: "item"},
			{Kind: rules.OpRename, Column: "Amount", To: "amount"},
			{Kind: rules.OpCoerce, Column: "amount", Type: "float", Required: true},
		},
		Output: rules.OutputSpec{
			SheetName: "Invoices",
			Headers:   []string{"Date", "Item", "Amount"},
			Columns:   []string{"date", "item", "amount"},
		},
	}, 0); err != nil {
		t.Fatal(err)
	}

	if _, err := st.CreateAccount(&store.Account{
		Host: "imap.vendor.com", Username: "inbox", Password: "p", Active: true,
	}); err != nil {
		t.Fatal(err)
	}

	sched := scheduler.New(st,
		stubReader{},
		transform.New(transform.Config{}),
		xlsxout.New(xlsxout.Config{}),
		scheduler.Options{OutputDir: outDir, RetryBackoff: time.Millisecond},
	)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	capture := &captureTransport{}
	dispatcher := notify.New([]notify.Transport{capture}, notify.Options{})
	dispatchDone := make(chan struct{})
	go func() {
		dispatcher.Run(context.Background(), sched.Events())
		close(dispatchDone)
	}()
	t.Cleanup(func() { sched.Stop(); <-dispatchDone })

	src := &batchSource{
		batch: []mailpoll.Candidate{{
			UID: 7, Sender: "billing@vendor.com", Subject: "Invoice January",
			Filename: "invoice_jan.pdf", Data: []byte("%PDF-1.4 stub"),
		}},
		max: 7,
	}
	poller := mailpoll.New(st, src, sched, mailpoll.Options{StorageDir: pdfDir})
	poller.Tick(context.Background())

	ev := capture.wait(t)
	if ev.Outcome != job.OutcomeCompleted {
		t.Fatalf("outcome = %v (%s)", ev.Outcome, ev.Summary)
	}

	// The job record holds the artifact path; the artifact holds the data.
	j, err := st.GetJob(context.Background(), ev.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if j.State != job.StateCompleted || j.Origin != job.OriginMail {
		t.Fatalf("job = %+v", j)
	}
	if filepath.Dir(j.OutputPath) != outDir {
		t.Fatalf("artifact outside output dir: %s", j.OutputPath)
	}

	f, err := excelize.OpenFile(j.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := f.GetRows("Invoices")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(rows))
	}
	if rows[1][2] != "1200.5" {
		t.Fatalf("currency cell not coerced: %q", rows[1][2])
	}

	// Status is visible over HTTP.
	srv := httptest.NewServer(httpapi.New(sched, pdfDir, nil).Router())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/jobs/" + ev.JobID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var view httpapi.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.State != job.StateCompleted {
		t.Fatalf("view = %+v", view)
	}

	// A rescan of the same batch is a no-op thanks to the seen-set.
	poller.Tick(context.Background())
	time.Sleep(50 * time.Millisecond)
	capture.mu.Lock()
	n := len(capture.events)
	capture.mu.Unlock()
	if n != 1 {
		t.Fatalf("rescan produced %d notifications, want 1", n)
	}
}
