package contest

import (
	"context"
	"fmt"
	"time"
)

// Phase is a Codeforces contest phase.
type Phase string

const (
	PhaseBefore            Phase = "BEFORE"
	PhaseCoding            Phase = "CODING"
	PhasePendingSystemTest Phase = "PENDING_SYSTEM_TEST"
	PhaseSystemTest        Phase = "SYSTEM_TEST"
	PhaseFinished          Phase = "FINISHED"
)

// Contest is one entry of contest.list. It is rebuilt on every fetch.
type Contest struct {
	ID        int64
	Name      string
	Type      string
	Phase     Phase
	StartTime time.Time // UTC
	Duration  time.Duration
}

// Kind tags a Result.
type Kind int

const (
	KindFailed Kind = iota
	KindNoneUpcoming
	KindUpcoming
)

func (k Kind) String() string {
	switch k {
	case KindUpcoming:
		return "upcoming"
	case KindNoneUpcoming:
		return "none_upcoming"
	default:
		return "failed"
	}
}

// Result is exactly one of Upcoming, NoneUpcoming or Failed.
type Result struct {
	Kind    Kind
	Contest Contest     // KindUpcoming
	Err     *FetchError // KindFailed
}

func Upcoming(c Contest) Result { return Result{Kind: KindUpcoming, Contest: c} }

func NoneUpcoming() Result { return Result{Kind: KindNoneUpcoming} }

func Failed(err *FetchError) Result { return Result{Kind: KindFailed, Err: err} }

// FetchError covers transport failures, bad HTTP statuses, non-OK envelopes
// and malformed bodies alike. Cause is always human readable.
type FetchError struct {
	Cause string
	Err   error
}

func (e *FetchError) Error() string { return e.Cause }

func (e *FetchError) Unwrap() error { return e.Err }

func fetchErr(err error, format string, args ...any) *FetchError {
	return &FetchError{Cause: fmt.Sprintf(format, args...), Err: err}
}

// Source yields the next upcoming contest.
type Source interface {
	Next(ctx context.Context) Result
}
