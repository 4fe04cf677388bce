// Package eventlog records every pipeline decision in an append-only
// JSON log.
//
// Append semantics are implemented as a full-file rewrite: the
// existing array is loaded (a corrupt or missing file counts as
// empty), the new entry is stamped and appended, and the whole array
// is written back via atomic replace. The log is not safe for
// concurrent appends from multiple processes.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Event statuses written by the pipeline.
const (
	StatusPrinted        = "printed"
	StatusNoJobs         = "no_jobs"
	StatusNoPDF          = "no_pdf_in_email"
	StatusQuotaDenied    = "quota_insufficient"
	StatusPageCountError = "page_count_error"
	StatusDispatchError  = "dispatch_error"
	StatusPrinterMissing = "printer_missing_notification"
	StatusQuotaEmailSent = "quota_email_sent"
	StatusEmailError     = "email_error"
	StatusError          = "error"
)

// timeFormat is local ISO-8601 with second precision.
const timeFormat = "2006-01-02T15:04:05"

// Entry is one logged pipeline outcome. Only Status and Timestamp are
// always present; the remaining fields are status-specific.
type Entry struct {
	Status         string `json:"status"`
	Timestamp      string `json:"timestamp,omitempty"`
	Sender         string `json:"sender,omitempty"`
	File           string `json:"file,omitempty"`
	Pages          int    `json:"pages,omitempty"`
	Reversed       *bool  `json:"reversed,omitempty"`
	NeededPages    int    `json:"needed_pages,omitempty"`
	RemainingPages *int   `json:"remaining_pages,omitempty"`
	Recipient      string `json:"recipient,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Log appends entries to a JSON log file.
type Log struct {
	path string

	// now is replaceable in tests.
	now func() time.Time
}

// New returns a Log writing to path.
func New(path string) *Log {
	return &Log{path: path, now: time.Now}
}

// load reads the current entries, treating a missing or unparseable
// file as empty rather than aborting.
func (l *Log) load() []Entry {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	return entries
}

// Append stamps the entry with the current local time and rewrites the
// log with it at the end.
func (l *Log) Append(e Entry) error {
	entries := l.load()

	e.Timestamp = l.now().Format(timeFormat)
	entries = append(entries, e)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding event log: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing event log %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replacing event log %s: %w", l.path, err)
	}

	return nil
}

// Tail returns the last n entries in arrival order. n <= 0 returns
// everything.
func (l *Log) Tail(n int) ([]Entry, error) {
	entries := l.load()
	if n <= 0 || n >= len(entries) {
		return entries, nil
	}
	return entries[len(entries)-n:], nil
}

// IntPtr is a helper for the optional numeric fields.
func IntPtr(n int) *int { return &n }

// BoolPtr is a helper for the optional reversed field.
func BoolPtr(b bool) *bool { return &b }
