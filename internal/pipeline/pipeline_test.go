package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvidal/printbox/internal/eventlog"
	"github.com/lvidal/printbox/internal/model"
)

// fakeSession serves canned messages and records acknowledgements.
type fakeSession struct {
	uids       []uint32
	seen       []uint32
	loggedOut  bool
	onMarkSeen func(uid uint32)
}

func (s *fakeSession) Unseen() ([]uint32, error) { return s.uids, nil }

func (s *fakeSession) Fetch(uid uint32) ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(uid), 10)), nil
}

func (s *fakeSession) MarkSeen(uid uint32) error {
	if s.onMarkSeen != nil {
		s.onMarkSeen(uid)
	}
	s.seen = append(s.seen, uid)
	return nil
}

func (s *fakeSession) Logout() error {
	s.loggedOut = true
	return nil
}

// fakeSpooler records dispatches.
type fakeSpooler struct {
	available  bool
	detail     string
	dispatched []string
	dispatchFn func(path string) error
}

func (f *fakeSpooler) IsAvailable(_ context.Context, _ string) (bool, string) {
	return f.available, f.detail
}

func (f *fakeSpooler) Dispatch(_ context.Context, path, _ string) error {
	if f.dispatchFn != nil {
		if err := f.dispatchFn(path); err != nil {
			return err
		}
	}
	f.dispatched = append(f.dispatched, path)
	return nil
}

// fakeTransformer decides page counts and reversal outcomes per
// original attachment filename (the workdir path ends with it).
type fakeTransformer struct {
	pages      map[string]int
	countErr   map[string]bool
	reverseErr map[string]bool
}

func (f *fakeTransformer) match(path string, m map[string]bool) bool {
	for name, v := range m {
		if v && strings.HasSuffix(filepath.Base(path), name) {
			return true
		}
	}
	return false
}

func (f *fakeTransformer) CountPages(path string) (int, error) {
	if f.match(path, f.countErr) {
		return 0, fmt.Errorf("counting pages of %s: corrupt", path)
	}
	for name, n := range f.pages {
		if strings.HasSuffix(filepath.Base(path), name) {
			return n, nil
		}
	}
	return 1, nil
}

func (f *fakeTransformer) Reverse(src, dst string) error {
	if f.match(src, f.reverseErr) {
		return fmt.Errorf("reversing %s: corrupt", src)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

type sentMail struct {
	to      string
	subject string
}

type fakeNotifier struct {
	sent []sentMail
	err  error
}

func (f *fakeNotifier) Notify(recipient, subject, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{to: recipient, subject: subject})
	return nil
}

// fixture bundles a pipeline with all fakes and temp state files.
type fixture struct {
	pl         *Pipeline
	events     *eventlog.Log
	logPath    string
	quotasPath string
	session    *fakeSession
	spooler    *fakeSpooler
	transform  *fakeTransformer
	notifier   *fakeNotifier
	jobs       map[uint32]*model.Job
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	f := &fixture{
		logPath:    filepath.Join(dir, "log.json"),
		quotasPath: filepath.Join(dir, "quotas.json"),
		session:    &fakeSession{},
		spooler:    &fakeSpooler{available: true, detail: "printer Box is idle."},
		transform: &fakeTransformer{
			pages:      map[string]int{},
			countErr:   map[string]bool{},
			reverseErr: map[string]bool{},
		},
		notifier: &fakeNotifier{},
		jobs:     map[uint32]*model.Job{},
	}
	f.events = eventlog.New(f.logPath)

	f.pl = New(Options{
		PrinterName: "Box",
		WorkDir:     filepath.Join(dir, "spool"),
		QuotasPath:  f.quotasPath,
		Dial: func(_ context.Context) (Session, error) {
			return f.session, nil
		},
		Spooler:     f.spooler,
		Transformer: f.transform,
		Notifier:    f.notifier,
		Events:      f.events,
		Logger:      zap.NewNop(),
		Extract: func(raw []byte) (*model.Job, error) {
			uid, err := strconv.ParseUint(string(raw), 10, 32)
			if err != nil {
				return nil, err
			}
			job, ok := f.jobs[uint32(uid)]
			if !ok {
				return nil, fmt.Errorf("no job for uid %d", uid)
			}
			return job, nil
		},
	})
	return f
}

func (f *fixture) addMessage(uid uint32, job *model.Job) {
	f.session.uids = append(f.session.uids, uid)
	f.jobs[uid] = job
}

func (f *fixture) writeQuotas(t *testing.T, entries map[string]int) {
	t.Helper()
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.quotasPath, data, 0o644))
}

func (f *fixture) readQuotas(t *testing.T) map[string]int {
	t.Helper()
	data, err := os.ReadFile(f.quotasPath)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	out := map[string]int{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func (f *fixture) entries(t *testing.T) []eventlog.Entry {
	t.Helper()
	entries, err := f.events.Tail(0)
	require.NoError(t, err)
	return entries
}

func statuses(entries []eventlog.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Status
	}
	return out
}

func pdfJob(sender string, files ...string) *model.Job {
	job := &model.Job{Sender: sender, Subject: "print please"}
	for _, f := range files {
		job.Documents = append(job.Documents, model.Document{
			Filename: f,
			Data:     []byte("%PDF-1.4 " + f),
		})
	}
	return job
}

func TestNoJobsLogsSingleEvent(t *testing.T) {
	f := newFixture(t)

	sum, err := f.pl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)

	entries := f.entries(t)
	assert.Equal(t, []string{eventlog.StatusNoJobs}, statuses(entries))
	assert.True(t, f.session.loggedOut)
}

func TestQuotaDeniedExactExample(t *testing.T) {
	// Sender a@x.com has 3 pages left and submits a 5-page PDF.
	f := newFixture(t)
	f.writeQuotas(t, map[string]int{"a@x.com": 3})
	f.transform.pages["doc.pdf"] = 5
	f.addMessage(7, pdfJob("a@x.com", "doc.pdf"))

	sum, err := f.pl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Denied)
	assert.Zero(t, sum.Printed)

	// The ledger stays at 3; nothing reaches the printer.
	assert.Equal(t, map[string]int{"a@x.com": 3}, f.readQuotas(t))
	assert.Empty(t, f.spooler.dispatched)

	// One notification email.
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "a@x.com", f.notifier.sent[0].to)

	var denials []eventlog.Entry
	for _, e := range f.entries(t) {
		if e.Status == eventlog.StatusQuotaDenied {
			denials = append(denials, e)
		}
	}
	require.Len(t, denials, 1)
	assert.Equal(t, 5, denials[0].NeededPages)
	require.NotNil(t, denials[0].RemainingPages)
	assert.Equal(t, 3, *denials[0].RemainingPages)

	assert.Equal(t, []uint32{7}, f.session.seen)
}

func TestUntrackedSenderIsUnlimited(t *testing.T) {
	f := newFixture(t)
	f.transform.pages["big.pdf"] = 10
	f.addMessage(1, pdfJob("b@x.com", "big.pdf"))

	sum, err := f.pl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Printed)

	// Ledger file never materializes: nothing was tracked or dirty.
	assert.Nil(t, f.readQuotas(t))
	require.Len(t, f.spooler.dispatched, 1)

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, eventlog.StatusPrinted, entries[0].Status)
	assert.Equal(t, 10, entries[0].Pages)
}

func TestTrackedAllowedDecrementsExactly(t *testing.T) {
	f := newFixture(t)
	f.writeQuotas(t, map[string]int{"a@x.com": 10})
	f.transform.pages["doc.pdf"] = 4
	f.addMessage(1, pdfJob("a@x.com", "doc.pdf"))

	sum, err := f.pl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Printed)

	assert.Equal(t, map[string]int{"a@x.com": 6}, f.readQuotas(t))
}

func TestNoPDFProducesExactlyOneEvent(t *testing.T) {
	f := newFixture(t)
	f.addMessage(3, &model.Job{Sender: "c@x.com", Subject: "hello"})

	sum, err := f.pl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)

	entries := f.entries(t)
	assert.Equal(t, []string{eventlog.StatusNoPDF}, statuses(entries))
	assert.Equal(t, "c@x.com", entries[0].Sender)
	assert.Empty(t, f.spooler.dispatched)
	assert.Equal(t, []uint32{3}, f.session.seen)
}

func TestPrinterUnavailableGatesWholeMessage(t *testing.T) {
	f := newFixture(t)
	f.spooler.available = false
	f.spooler.detail = "printer Box disabled since Mon"
	f.addMessage(9, pdfJob("c@x.com", "one.pdf", "two.pdf"))

	sum, err := f.pl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Skipped)

	// Zero submissions, one notification, one gate event.
	assert.Empty(t, f.spooler.dispatched)
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "c@x.com", f.notifier.sent[0].to)

	entries := f.entries(t)
	assert.Equal(t, []string{eventlog.StatusPrinterMissing}, statuses(entries))
	assert.Contains(t, entries[0].Error, "disabled")
	assert.Equal(t, []uint32{9}, f.session.seen)
}

func TestReversalFailureStillPrintsOriginal(t *testing.T) {
	f := newFixture(t)
	f.transform.pages["doc.pdf"] = 2
	f.transform.reverseErr["doc.pdf"] = true
	f.addMessage(1, pdfJob("b@x.com", "doc.pdf"))

	sum, err := f.pl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Printed)

	require.Len(t, f.spooler.dispatched, 1)
	assert.False(t, strings.Contains(f.spooler.dispatched[0], "_reversed"))

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, eventlog.StatusPrinted, entries[0].Status)
	require.NotNil(t, entries[0].Reversed)
	assert.False(t, *entries[0].Reversed)
}

func TestReversalSuccessDispatchesReversedCopy(t *testing.T) {
	f := newFixture(t)
	f.transform.pages["doc.pdf"] = 2
	f.addMessage(1, pdfJob("b@x.com", "doc.pdf"))

	_, err := f.pl.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, f.spooler.dispatched, 1)
	assert.Contains(t, f.spooler.dispatched[0], "_reversed")

	entries := f.entries(t)
	require.NotNil(t, entries[0].Reversed)
	assert.True(t, *entries[0].Reversed)
}

func TestPageCountErrorTrackedSenderRefused(t *testing.T) {
	f := newFixture(t)
	f.writeQuotas(t, map[string]int{"a@x.com": 5})
	f.transform.countErr["doc.pdf"] = true
	f.addMessage(1, pdfJob("a@x.com", "doc.pdf"))

	sum, err := f.pl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Printed)

	// Unknown cost against a finite budget: no dispatch, no decrement.
	assert.Empty(t, f.spooler.dispatched)
	assert.Equal(t, map[string]int{"a@x.com": 5}, f.readQuotas(t))
	assert.Equal(t, []string{eventlog.StatusPageCountError}, statuses(f.entries(t)))
}

func TestPageCountErrorUntrackedSenderStillPrints(t *testing.T) {
	// Corrupt PDF failing both count and reversal, untracked sender.
	f := newFixture(t)
	f.transform.countErr["doc.pdf"] = true
	f.transform.reverseErr["doc.pdf"] = true
	f.addMessage(1, pdfJob("c@x.com", "doc.pdf"))

	sum, err := f.pl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Printed)

	require.Len(t, f.spooler.dispatched, 1)
	assert.Equal(t, []string{
		eventlog.StatusPageCountError,
		eventlog.StatusPrinted,
	}, statuses(f.entries(t)))
}

func TestDispatchFailureDoesNotAbortSiblings(t *testing.T) {
	f := newFixture(t)
	f.transform.pages["bad.pdf"] = 1
	f.transform.pages["good.pdf"] = 2
	f.spooler.dispatchFn = func(path string) error {
		if strings.Contains(path, "bad") {
			return fmt.Errorf("lp to Box: printer rejected job")
		}
		return nil
	}
	f.addMessage(1, pdfJob("b@x.com", "bad.pdf", "good.pdf"))

	sum, err := f.pl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Printed)
	assert.Equal(t, 1, sum.Errors)

	assert.Equal(t, []string{
		eventlog.StatusDispatchError,
		eventlog.StatusPrinted,
	}, statuses(f.entries(t)))
	assert.Equal(t, []uint32{1}, f.session.seen)
}

func TestMailboxOrderPreserved(t *testing.T) {
	f := newFixture(t)
	for _, uid := range []uint32{42, 7, 19} {
		f.addMessage(uid, pdfJob(fmt.Sprintf("s%d@x.com", uid), "doc.pdf"))
	}

	_, err := f.pl.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uint32{42, 7, 19}, f.session.seen)

	entries := f.entries(t)
	require.Len(t, entries, 3)
	assert.Equal(t, "s42@x.com", entries[0].Sender)
	assert.Equal(t, "s7@x.com", entries[1].Sender)
	assert.Equal(t, "s19@x.com", entries[2].Sender)
}

func TestOutcomeLoggedBeforeMarkSeen(t *testing.T) {
	f := newFixture(t)
	f.transform.pages["doc.pdf"] = 1
	f.addMessage(5, pdfJob("b@x.com", "doc.pdf"))

	var entriesAtAck []eventlog.Entry
	f.session.onMarkSeen = func(_ uint32) {
		entriesAtAck, _ = f.events.Tail(0)
	}

	_, err := f.pl.RunOnce(context.Background())
	require.NoError(t, err)

	// By the time the message is acknowledged, its outcome is on disk.
	require.Len(t, entriesAtAck, 1)
	assert.Equal(t, eventlog.StatusPrinted, entriesAtAck[0].Status)
}

func TestEventLogGrowsMonotonically(t *testing.T) {
	f := newFixture(t)

	_, err := f.pl.RunOnce(context.Background())
	require.NoError(t, err)
	first := f.entries(t)

	_, err = f.pl.RunOnce(context.Background())
	require.NoError(t, err)
	second := f.entries(t)

	require.Len(t, second, len(first)+1)
	for i := range first {
		assert.Equal(t, first[i], second[i])
	}
}

func TestDialFailureLogsSingleErrorEvent(t *testing.T) {
	f := newFixture(t)
	f.pl.dial = func(_ context.Context) (Session, error) {
		return nil, fmt.Errorf("connecting to IMAP: connection refused")
	}

	_, err := f.pl.RunOnce(context.Background())
	require.Error(t, err)

	entries := f.entries(t)
	assert.Equal(t, []string{eventlog.StatusError}, statuses(entries))
	assert.Contains(t, entries[0].Error, "connection refused")
}

func TestCorruptLedgerAbortsBeforeProcessing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.quotasPath, []byte("{broken"), 0o644))
	f.addMessage(1, pdfJob("a@x.com", "doc.pdf"))

	_, err := f.pl.RunOnce(context.Background())
	require.Error(t, err)

	// Nothing dispatched, nothing acknowledged: safe to rerun.
	assert.Empty(t, f.spooler.dispatched)
	assert.Empty(t, f.session.seen)
}

func TestUnparseableMessageMarkedSeen(t *testing.T) {
	f := newFixture(t)
	f.session.uids = []uint32{4} // no job registered: extract fails

	sum, err := f.pl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, []uint32{4}, f.session.seen)
}

func TestNotifierFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.writeQuotas(t, map[string]int{"a@x.com": 1})
	f.transform.pages["doc.pdf"] = 5
	f.notifier.err = fmt.Errorf("SMTP auth: boom")
	f.addMessage(1, pdfJob("a@x.com", "doc.pdf"))

	sum, err := f.pl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Denied)

	assert.Equal(t, []string{
		eventlog.StatusEmailError,
		eventlog.StatusQuotaDenied,
	}, statuses(f.entries(t)))
}

func TestWorkdirRetainsRawAndReversedPair(t *testing.T) {
	f := newFixture(t)
	f.transform.pages["doc.pdf"] = 2
	f.addMessage(1, pdfJob("b@x.com", "doc.pdf"))

	_, err := f.pl.RunOnce(context.Background())
	require.NoError(t, err)

	files, err := os.ReadDir(f.pl.workdir)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}
