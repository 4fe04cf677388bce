// Package quota tracks the per-sender remaining-page ledger.
//
// The ledger is a flat JSON object mapping sender addresses to
// remaining page counts, persisted by atomic replace. It is loaded
// once per poll cycle and mutated only in memory until Save; it is not
// safe for concurrent multi-process access — a single pipeline
// instance must be enforced externally.
package quota

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// DecisionKind classifies the outcome of a quota check.
type DecisionKind int

const (
	// Unlimited means the sender has no tracked quota; the job is
	// allowed and the ledger is untouched.
	Unlimited DecisionKind = iota

	// Allowed means the sender had enough pages; the ledger has been
	// decremented in memory.
	Allowed

	// Denied means the sender's tracked quota is smaller than the
	// job; the ledger is untouched.
	Denied
)

// Decision is the result of CheckAndReserve. Remaining is the pages
// left after the decision: the decremented balance for Allowed, the
// unchanged balance for Denied, and zero (meaningless) for Unlimited.
type Decision struct {
	Kind      DecisionKind
	Remaining int
}

// Ledger is an in-memory snapshot of the quota file.
type Ledger struct {
	path    string
	entries map[string]int
	dirty   bool
}

// Load reads the ledger at path. A missing file yields an empty
// ledger; an unparseable file is an error, because treating it as
// empty would silently grant unlimited pages to every tracked sender.
func Load(path string) (*Ledger, error) {
	l := &Ledger{
		path:    path,
		entries: make(map[string]int),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("reading quota ledger %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &l.entries); err != nil {
		return nil, fmt.Errorf("parsing quota ledger %s: %w", path, err)
	}

	return l, nil
}

// CheckAndReserve decides whether sender may print needed pages.
// On Allowed the in-memory balance is decremented by exactly needed;
// on Denied nothing changes. Senders absent from the ledger are
// Unlimited.
func (l *Ledger) CheckAndReserve(sender string, needed int) Decision {
	key := strings.ToLower(sender)

	remaining, tracked := l.entries[key]
	if !tracked {
		return Decision{Kind: Unlimited}
	}

	if remaining < needed {
		return Decision{Kind: Denied, Remaining: remaining}
	}

	l.entries[key] = remaining - needed
	l.dirty = true
	return Decision{Kind: Allowed, Remaining: remaining - needed}
}

// Tracked reports whether sender has a quota entry.
func (l *Ledger) Tracked(sender string) bool {
	_, ok := l.entries[strings.ToLower(sender)]
	return ok
}

// Remaining returns the sender's balance and whether one is tracked.
func (l *Ledger) Remaining(sender string) (int, bool) {
	n, ok := l.entries[strings.ToLower(sender)]
	return n, ok
}

// Set assigns a balance for sender and marks the ledger dirty. Used by
// the operator subcommand, never by the pipeline.
func (l *Ledger) Set(sender string, pages int) {
	l.entries[strings.ToLower(sender)] = pages
	l.dirty = true
}

// Senders returns the tracked addresses in sorted order.
func (l *Ledger) Senders() []string {
	out := make([]string, 0, len(l.entries))
	for k := range l.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Dirty reports whether the snapshot differs from the file it was
// loaded from.
func (l *Ledger) Dirty() bool {
	return l.dirty
}

// Save writes the ledger back to its file via write-temp-then-rename,
// so a crash mid-write never leaves a partial file.
func (l *Ledger) Save() error {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding quota ledger: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing quota ledger %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replacing quota ledger %s: %w", l.path, err)
	}

	l.dirty = false
	return nil
}
