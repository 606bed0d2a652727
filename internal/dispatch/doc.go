// Package dispatch delivers the contest reminder to every recipient and to
// the named channel of every known community, on a cron schedule and on demand.
//
// Each delivery is isolated: a failure is logged and recorded in the cycle
// Report, and the remaining targets are still attempted. Nothing is retried
// and failing recipients are never unsubscribed.
package dispatch
