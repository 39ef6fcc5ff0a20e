// Package sync contains the reconciliation logic and the per-unit scheduler
// that drive pull (CalDAV -> published ICS) and push (remote ICS -> CalDAV)
// cycles.
package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gitea.jw6.us/james/calsync/internal/ical"
)

// LocalEvent pairs an event parsed from a CalDAV collection with the href it
// lives at. The uid -> href mapping exists only for one cycle.
type LocalEvent struct {
	Href  string
	Event ical.Event
}

// OpKind is the action the differ decided on for one UID.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Operation is one planned mutation against the destination collection.
type Operation struct {
	Kind OpKind
	UID  string
	Href string
	Body []byte
}

// Policy carries the user-visible destination flags.
type Policy struct {
	SyncAll   bool
	KeepLocal bool
}

// BuildPlan computes the operations needed to mirror remote into the local
// collection. Deletes are ordered after creates and updates so subscribers
// never observe a transient empty state; within each category operations are
// sorted by UID for determinism. Running the plan twice against an unchanged
// remote yields an empty second plan.
func BuildPlan(remote []ical.Event, local []LocalEvent, now time.Time, policy Policy) []Operation {
	remoteByUID := make(map[string]ical.Event, len(remote))
	for _, ev := range remote {
		// An event with no usable DTSTART cannot be proven past, so it is kept.
		if !policy.SyncAll && ev.HasStart() && ev.Start.Before(now) {
			continue
		}
		remoteByUID[ev.UID] = ev
	}

	localByUID := make(map[string]LocalEvent, len(local))
	for _, le := range local {
		localByUID[le.Event.UID] = le
	}

	var creates, updates, deletes []Operation
	for uid, ev := range remoteByUID {
		existing, ok := localByUID[uid]
		switch {
		case !ok:
			creates = append(creates, Operation{Kind: OpCreate, UID: uid, Body: ev.RawBody})
		case ical.Equal(ev.RawBody, existing.Event.RawBody):
			// unchanged, skip
		default:
			updates = append(updates, Operation{Kind: OpUpdate, UID: uid, Href: existing.Href, Body: ev.RawBody})
		}
	}

	if !policy.KeepLocal {
		for uid, le := range localByUID {
			if _, ok := remoteByUID[uid]; !ok {
				deletes = append(deletes, Operation{Kind: OpDelete, UID: uid, Href: le.Href})
			}
		}
	}

	byUID := func(ops []Operation) {
		sort.Slice(ops, func(i, j int) bool { return ops[i].UID < ops[j].UID })
	}
	byUID(creates)
	byUID(updates)
	byUID(deletes)

	plan := make([]Operation, 0, len(creates)+len(updates)+len(deletes))
	plan = append(plan, creates...)
	plan = append(plan, updates...)
	plan = append(plan, deletes...)
	return plan
}

// collectionWriter is the slice of the CalDAV client the apply step needs.
type collectionWriter interface {
	PutEvent(ctx context.Context, calendarURL, uid string, body []byte, create bool) (string, error)
	DeleteEvent(ctx context.Context, href string) error
}

// OpError records one failed operation without aborting the cycle.
type OpError struct {
	UID  string
	Kind OpKind
	Err  error
}

func (e OpError) String() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.UID, e.Err)
}

// ApplyResult summarizes one destination apply pass.
type ApplyResult struct {
	Created int
	Updated int
	Deleted int
	Errors  []OpError
}

// OK reports whether every planned operation succeeded.
func (r ApplyResult) OK() bool { return len(r.Errors) == 0 }

// Apply executes the plan against the collection. Operations are attempted
// independently: a failure is recorded and the remaining operations still run.
func Apply(ctx context.Context, w collectionWriter, calendarURL string, plan []Operation) ApplyResult {
	var res ApplyResult
	for _, op := range plan {
		switch op.Kind {
		case OpCreate:
			if _, err := w.PutEvent(ctx, calendarURL, op.UID, ical.Wrap(op.Body), true); err != nil {
				res.Errors = append(res.Errors, OpError{UID: op.UID, Kind: op.Kind, Err: err})
				continue
			}
			res.Created++
		case OpUpdate:
			if _, err := w.PutEvent(ctx, calendarURL, op.UID, ical.Wrap(op.Body), false); err != nil {
				res.Errors = append(res.Errors, OpError{UID: op.UID, Kind: op.Kind, Err: err})
				continue
			}
			res.Updated++
		case OpDelete:
			if err := w.DeleteEvent(ctx, op.Href); err != nil {
				res.Errors = append(res.Errors, OpError{UID: op.UID, Kind: op.Kind, Err: err})
				continue
			}
			res.Deleted++
		}
	}
	return res
}

// errorSummary joins per-operation failures into a last_sync_error message,
// truncated so a pathological cycle cannot bloat the status row.
const maxErrorSummary = 2048

func errorSummary(errs []OpError) string {
	out := ""
	for i, e := range errs {
		if i > 0 {
			out += "; "
		}
		out += e.String()
		if len(out) > maxErrorSummary {
			return out[:maxErrorSummary] + "..."
		}
	}
	return out
}
