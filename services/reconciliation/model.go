package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Mode string

const (
	ModeGenerateMissingReceipts Mode = "generate-missing-receipts"
	ModeResendFailedEmails      Mode = "resend-failed-emails"
)

var Modes = []Mode{ModeGenerateMissingReceipts, ModeResendFailedEmails}

var (
	ErrUnknownMode     = errors.New("reconciliation: unknown mode")
	ErrSweepInProgress = errors.New("reconciliation: sweep already running")
)

func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

type ItemFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Result summarises one sweep. A sweep with any failed item is not OK.
type Result struct {
	Mode       Mode          `json:"mode"`
	Scanned    int           `json:"scanned"`
	Succeeded  int           `json:"succeeded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Failures   []ItemFailure `json:"failures,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

func (r *Result) OK() bool {
	return r.Failed == 0
}

// sweepItem is one unit of sweep work, keyed by the donation or receipt it repairs.
type sweepItem struct {
	id  string
	run func(context.Context) (itemResult, error)
}

type itemResult int

const (
	itemSucceeded itemResult = iota
	itemSkipped
	itemFailed
)

func (r itemResult) String() string {
	switch r {
	case itemSucceeded:
		return "succeeded"
	case itemSkipped:
		return "skipped"
	}
	return "failed"
}
