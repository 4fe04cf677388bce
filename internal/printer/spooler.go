// Package printer wraps the CUPS command-line tools.
//
// Availability checks and dispatch shell out to lpstat and lp, the
// same interface the deployment's admin tooling (lpoptions, lpq)
// assumes. Layout options are pinned: the shared printer has one tray
// and senders must not be able to override duplex or media.
package printer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// runner executes a command and returns its combined output. It is a
// field so tests can substitute a fake.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	return buf.Bytes(), err
}

// CUPS submits jobs to and queries a CUPS spooler.
type CUPS struct {
	media  string
	run    runner
	logger *zap.Logger
}

// NewCUPS returns a spooler wrapper forcing the given media size.
func NewCUPS(media string, logger *zap.Logger) *CUPS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CUPS{
		media:  media,
		run:    runCommand,
		logger: logger,
	}
}

// IsAvailable reports whether the named printer is ready to accept
// jobs, with detail text for the event log. A missing lpstat binary
// and an offline printer are both unavailable, with distinct detail.
func (c *CUPS) IsAvailable(ctx context.Context, printerName string) (bool, string) {
	out, err := c.run(ctx, "lpstat", "-p", printerName)
	text := strings.TrimSpace(string(out))

	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return false, "lpstat command not found; is CUPS installed?"
		}
		if text == "" {
			text = err.Error()
		}
		return false, text
	}

	if strings.Contains(text, "disabled") || strings.Contains(text, "not accepting") {
		return false, text
	}
	return true, text
}

// Dispatch submits the file at path to the named printer. Options are
// non-configurable: single-sided, fixed media, fit-to-page. A spooler
// failure is terminal for the document; there is no retry.
func (c *CUPS) Dispatch(ctx context.Context, path, printerName string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}

	out, err := c.run(ctx, "lp",
		"-o", "sides=one-sided",
		"-o", "media="+c.media,
		"-o", "fit-to-page",
		"-d", printerName,
		abs,
	)
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("lp to %s: %s", printerName, detail)
	}

	c.logger.Info("sent to printer",
		zap.String("file", abs),
		zap.String("printer", printerName),
	)
	return nil
}

// Printers lists the destinations CUPS knows about.
func (c *CUPS) Printers(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "lpstat", "-p")
	if err != nil {
		return nil, fmt.Errorf("lpstat -p: %w", err)
	}

	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "printer" {
			names = append(names, fields[1])
		}
	}
	return names, nil
}

// Queue returns the human-readable job queue from lpq.
func (c *CUPS) Queue(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "lpq")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("lpq command not found; install cups-bsd")
		}
		return "", fmt.Errorf("lpq: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
