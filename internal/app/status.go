package app

import (
	"context"
	"time"

	"github.com/BruceKZ/cfreminder-bot/internal/dispatch"
	"github.com/BruceKZ/cfreminder-bot/internal/transport/telegram/router"
)

// statusSnapshot is served at /status.json by the ops server.
type statusSnapshot struct {
	StartedAt    time.Time              `json:"started_at"`
	Recipients   int                    `json:"recipients"`
	Communities  int                    `json:"communities"`
	NextDispatch *time.Time             `json:"next_dispatch,omitempty"`
	LastDispatch *dispatch.Report       `json:"last_dispatch,omitempty"`
	Supervisors  []router.NamedCounters `json:"supervisors"`
	Errors       []string               `json:"errors,omitempty"`
}

func (a *App) status(ctx context.Context) any {
	st := statusSnapshot{
		StartedAt:   a.handlers.StartedAt,
		Supervisors: a.sups.Snapshot(),
	}
	if ids, err := a.store.ListRecipients(ctx); err != nil {
		st.Errors = append(st.Errors, "recipients: "+err.Error())
	} else {
		st.Recipients = len(ids)
	}
	if cs, err := a.store.ListCommunities(ctx); err != nil {
		st.Errors = append(st.Errors, "communities: "+err.Error())
	} else {
		st.Communities = len(cs)
	}
	if next := a.disp.NextRun(); !next.IsZero() {
		st.NextDispatch = &next
	}
	if rep, ok := a.disp.LastReport(); ok {
		st.LastDispatch = &rep
	}
	return st
}
