// Package pipeline drives one poll cycle of the mail-to-print flow:
// unseen messages are extracted into jobs, gated on printer
// availability and per-sender quota, reversed for face-up stacking,
// dispatched to the spooler, and every decision is written to the
// event log before the message is acknowledged.
//
// The model is single-process and strictly sequential: one cycle runs
// to completion before the next begins, and the quota ledger and event
// log are only safe under that assumption. Mutual exclusion across
// processes (a lock file, a singleton scheduler) must be enforced
// outside this package.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvidal/printbox/internal/eventlog"
	"github.com/lvidal/printbox/internal/mailbox"
	"github.com/lvidal/printbox/internal/model"
	"github.com/lvidal/printbox/internal/notify"
	"github.com/lvidal/printbox/internal/quota"
)

// cycleTimeout bounds one poll cycle so a hung remote service cannot
// stall the watch loop indefinitely.
const cycleTimeout = 5 * time.Minute

// Session is one open mailbox connection, used for a single cycle.
type Session interface {
	Unseen() ([]uint32, error)
	Fetch(uid uint32) ([]byte, error)
	MarkSeen(uid uint32) error
	Logout() error
}

// DialFunc opens an authenticated mailbox session.
type DialFunc func(ctx context.Context) (Session, error)

// Spooler gates on printer availability and submits documents.
type Spooler interface {
	IsAvailable(ctx context.Context, printerName string) (bool, string)
	Dispatch(ctx context.Context, path, printerName string) error
}

// Transformer counts pages and reverses page order, file to file.
type Transformer interface {
	CountPages(path string) (int, error)
	Reverse(src, dst string) error
}

// Notifier sends outcome mail to a job's sender. Best-effort only.
type Notifier interface {
	Notify(recipient, subject, body string) error
}

// ExtractFunc parses raw message bytes into a Job.
type ExtractFunc func(raw []byte) (*model.Job, error)

// Summary reports what one cycle did.
type Summary struct {
	Printed int
	Denied  int
	Skipped int
	Errors  int
}

// Options wires a Pipeline's collaborators and paths.
type Options struct {
	PrinterName string
	WorkDir     string
	QuotasPath  string

	Dial        DialFunc
	Spooler     Spooler
	Transformer Transformer
	Notifier    Notifier
	Events      *eventlog.Log
	Logger      *zap.Logger

	// Extract defaults to mailbox.ExtractJob.
	Extract ExtractFunc
}

// Pipeline orchestrates poll cycles.
type Pipeline struct {
	printerName string
	workdir     string
	quotasPath  string

	dial        DialFunc
	spooler     Spooler
	transformer Transformer
	notifier    Notifier
	events      *eventlog.Log
	extract     ExtractFunc
	logger      *zap.Logger
}

// New creates a Pipeline from the given options.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	extract := opts.Extract
	if extract == nil {
		extract = mailbox.ExtractJob
	}
	return &Pipeline{
		printerName: opts.PrinterName,
		workdir:     opts.WorkDir,
		quotasPath:  opts.QuotasPath,
		dial:        opts.Dial,
		spooler:     opts.Spooler,
		transformer: opts.Transformer,
		notifier:    opts.Notifier,
		events:      opts.Events,
		extract:     extract,
		logger:      logger,
	}
}

// RunOnce performs exactly one poll cycle. Connectivity failures and
// persistence failures abort the cycle with an error after logging a
// single error event; every per-message and per-document failure is
// converted into a logged event instead.
func (p *Pipeline) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary

	session, err := p.dial(ctx)
	if err != nil {
		p.logCycleError(err)
		sum.Errors++
		return sum, fmt.Errorf("opening mailbox session: %w", err)
	}
	defer func() {
		if err := session.Logout(); err != nil {
			p.logger.Warn("mailbox logout failed", zap.Error(err))
		}
	}()

	uids, err := session.Unseen()
	if err != nil {
		p.logCycleError(err)
		sum.Errors++
		return sum, fmt.Errorf("listing unseen messages: %w", err)
	}

	if len(uids) == 0 {
		p.logger.Info("no new messages")
		if err := p.events.Append(eventlog.Entry{Status: eventlog.StatusNoJobs}); err != nil {
			return sum, err
		}
		return sum, nil
	}

	// One ledger snapshot per cycle; all decisions act against it.
	ledger, err := quota.Load(p.quotasPath)
	if err != nil {
		p.logCycleError(err)
		sum.Errors++
		return sum, err
	}

	if err := os.MkdirAll(p.workdir, 0o755); err != nil {
		p.logCycleError(err)
		sum.Errors++
		return sum, fmt.Errorf("creating workdir %s: %w", p.workdir, err)
	}

	for _, uid := range uids {
		// Cancellation takes effect between messages, never mid-document.
		if ctx.Err() != nil {
			break
		}
		if err := p.processMessage(ctx, session, uid, ledger, &sum); err != nil {
			// Only persistence failures propagate; continuing with an
			// unwritable log risks losing decisions.
			return sum, err
		}
	}

	// Batched write: the ledger hits disk once per cycle.
	if ledger.Dirty() {
		if err := ledger.Save(); err != nil {
			p.logCycleError(err)
			return sum, err
		}
	}

	return sum, nil
}

// processMessage handles a single message through the gate sequence.
// The returned error is non-nil only for event-log write failures; the
// message is then deliberately left unseen so the decision is re-made
// on the next cycle.
func (p *Pipeline) processMessage(
	ctx context.Context,
	session Session,
	uid uint32,
	ledger *quota.Ledger,
	sum *Summary,
) error {
	raw, err := session.Fetch(uid)
	if err != nil {
		// Fetch trouble is transient; leave the message unseen and
		// let the next cycle retry it.
		p.logger.Warn("fetch failed", zap.Uint32("uid", uid), zap.Error(err))
		sum.Errors++
		return nil
	}

	job, err := p.extract(raw)
	if err != nil {
		p.logger.Warn("unparseable message", zap.Uint32("uid", uid), zap.Error(err))
		sum.Skipped++
		p.markSeen(session, uid)
		return nil
	}

	p.logger.Info("processing message",
		zap.Uint32("uid", uid),
		zap.String("sender", job.Sender),
		zap.String("subject", job.Subject),
	)

	if !job.HasDocuments() {
		if err := p.events.Append(eventlog.Entry{
			Status: eventlog.StatusNoPDF,
			Sender: job.Sender,
		}); err != nil {
			return err
		}
		sum.Skipped++
		p.markSeen(session, uid)
		return nil
	}

	available, detail := p.spooler.IsAvailable(ctx, p.printerName)
	if !available {
		if err := p.notifyPrinterDown(job.Sender, detail); err != nil {
			return err
		}
		sum.Skipped += len(job.Documents)
		p.markSeen(session, uid)
		return nil
	}

	// Documents fan out independently; one failure never aborts its
	// siblings.
	for _, doc := range job.Documents {
		if err := p.processDocument(ctx, job.Sender, doc, ledger, sum); err != nil {
			return err
		}
	}

	p.markSeen(session, uid)
	return nil
}

// processDocument runs one attachment through count → quota → reverse
// → dispatch. The returned error is non-nil only for event-log write
// failures.
func (p *Pipeline) processDocument(
	ctx context.Context,
	sender string,
	doc model.Document,
	ledger *quota.Ledger,
	sum *Summary,
) error {
	rawPath := filepath.Join(p.workdir, uuid.NewString()[:8]+"_"+doc.Filename)
	if err := os.WriteFile(rawPath, doc.Data, 0o644); err != nil {
		sum.Errors++
		return p.events.Append(eventlog.Entry{
			Status: eventlog.StatusError,
			Sender: sender,
			File:   doc.Filename,
			Error:  fmt.Sprintf("saving attachment: %v", err),
		})
	}
	p.logger.Info("saved attachment", zap.String("path", rawPath))

	pages, countErr := p.transformer.CountPages(rawPath)
	if countErr != nil {
		if err := p.events.Append(eventlog.Entry{
			Status: eventlog.StatusPageCountError,
			Sender: sender,
			File:   doc.Filename,
			Error:  countErr.Error(),
		}); err != nil {
			return err
		}
		if ledger.Tracked(sender) {
			// Unknown cost against a finite budget: refuse.
			sum.Skipped++
			return nil
		}
		pages = 0
	} else {
		// Quota is checked and reserved before any transformation or
		// dispatch, so a denied job never reaches the printer.
		decision := ledger.CheckAndReserve(sender, pages)
		if decision.Kind == quota.Denied {
			return p.denyForQuota(sender, doc.Filename, pages, decision.Remaining, sum)
		}
	}

	finalPath := rawPath
	reversed := true
	ext := filepath.Ext(rawPath)
	reversedPath := strings.TrimSuffix(rawPath, ext) + "_reversed" + ext
	if err := p.transformer.Reverse(rawPath, reversedPath); err != nil {
		// Degraded but successful: print the original order.
		p.logger.Warn("reversal failed, printing original",
			zap.String("file", doc.Filename), zap.Error(err))
		reversed = false
	} else {
		finalPath = reversedPath
	}

	if err := p.spooler.Dispatch(ctx, finalPath, p.printerName); err != nil {
		sum.Errors++
		return p.events.Append(eventlog.Entry{
			Status: eventlog.StatusDispatchError,
			Sender: sender,
			File:   doc.Filename,
			Pages:  pages,
			Error:  err.Error(),
		})
	}

	if err := p.events.Append(eventlog.Entry{
		Status:   eventlog.StatusPrinted,
		Sender:   sender,
		File:     doc.Filename,
		Pages:    pages,
		Reversed: eventlog.BoolPtr(reversed),
	}); err != nil {
		return err
	}

	sum.Printed++
	return nil
}

// denyForQuota notifies the sender and logs the denial. The ledger is
// untouched on this path.
func (p *Pipeline) denyForQuota(sender, filename string, needed, remaining int, sum *Summary) error {
	subject, body := notify.QuotaInsufficient(filename, needed, remaining)
	if notifyErr := p.notifier.Notify(sender, subject, body); notifyErr != nil {
		if err := p.events.Append(eventlog.Entry{
			Status:    eventlog.StatusEmailError,
			Recipient: sender,
			Error:     notifyErr.Error(),
		}); err != nil {
			return err
		}
	} else {
		if err := p.events.Append(eventlog.Entry{
			Status:         eventlog.StatusQuotaEmailSent,
			Sender:         sender,
			File:           filename,
			NeededPages:    needed,
			RemainingPages: eventlog.IntPtr(remaining),
		}); err != nil {
			return err
		}
	}

	if err := p.events.Append(eventlog.Entry{
		Status:         eventlog.StatusQuotaDenied,
		Sender:         sender,
		File:           filename,
		NeededPages:    needed,
		RemainingPages: eventlog.IntPtr(remaining),
	}); err != nil {
		return err
	}

	sum.Denied++
	return nil
}

// notifyPrinterDown tells the sender the printer is offline and logs
// the gate. The message's attachments are not processed.
func (p *Pipeline) notifyPrinterDown(sender, detail string) error {
	subject, body := notify.PrinterUnavailable(p.printerName)
	if notifyErr := p.notifier.Notify(sender, subject, body); notifyErr != nil {
		if err := p.events.Append(eventlog.Entry{
			Status:    eventlog.StatusEmailError,
			Recipient: sender,
			Error:     notifyErr.Error(),
		}); err != nil {
			return err
		}
	}

	return p.events.Append(eventlog.Entry{
		Status: eventlog.StatusPrinterMissing,
		Sender: sender,
		Error:  detail,
	})
}

// markSeen acknowledges a message. It runs only after the outcome has
// been durably logged; a failure here means at worst one reprocessed
// message, which re-derives the same decision from current quota
// state.
func (p *Pipeline) markSeen(session Session, uid uint32) {
	if err := session.MarkSeen(uid); err != nil {
		p.logger.Warn("marking message seen failed",
			zap.Uint32("uid", uid), zap.Error(err))
	}
}

// logCycleError records a cycle-fatal failure as a single error event.
func (p *Pipeline) logCycleError(cause error) {
	if err := p.events.Append(eventlog.Entry{
		Status: eventlog.StatusError,
		Error:  cause.Error(),
	}); err != nil {
		p.logger.Error("event log unwritable", zap.Error(err))
	}
}
