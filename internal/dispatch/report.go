package dispatch

import (
	"time"

	"github.com/BruceKZ/cfreminder-bot/internal/contest"
)

// TargetKind says which half of a cycle a failure belongs to.
type TargetKind string

const (
	TargetRecipient TargetKind = "recipient"
	TargetCommunity TargetKind = "community"
)

// Stage is where a delivery attempt stopped.
type Stage string

const (
	StageList    Stage = "list"    // reading recipients or communities
	StageResolve Stage = "resolve" // recipient id to chat
	StageLookup  Stage = "lookup"  // named channel in a community
	StageSend    Stage = "send"
)

// Failure is one recorded problem in a cycle.
type Failure struct {
	Target   TargetKind
	ID       int64 // recipient or community id; 0 for list failures
	ThreadID int
	Stage    Stage
	Reason   string // forbidden | not_found | missing_channel | send_failed | ...
	Err      string
}

// Report summarizes one dispatch cycle.
type Report struct {
	ID        string
	Trigger   string
	StartedAt time.Time
	Duration  time.Duration

	Result  contest.Kind
	Preview string

	Recipients  int
	Communities int
	Attempted   int
	Delivered   int
	Failures    []Failure
}

// Failed returns the number of recorded failures.
func (r Report) Failed() int { return len(r.Failures) }

const maxReportFailures = 200

func (r *Report) fail(f Failure) {
	if len(r.Failures) < maxReportFailures {
		r.Failures = append(r.Failures, f)
	}
}
