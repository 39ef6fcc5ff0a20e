package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"gitea.jw6.us/james/calsync/internal/ical"
)

func event(uid, dtstart string) ical.Event {
	body := "BEGIN:VEVENT\r\nUID:" + uid + "\r\n"
	if dtstart != "" {
		body += "DTSTART:" + dtstart + "\r\n"
	}
	body += "END:VEVENT\r\n"
	events, _ := ical.Split([]byte(body))
	if len(events) != 1 {
		panic("bad test event")
	}
	return events[0]
}

func localEvent(uid, dtstart string) LocalEvent {
	return LocalEvent{Href: "/cal/" + uid + ".ics", Event: event(uid, dtstart)}
}

var fixedNow = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func TestPlanCreateAndDelete(t *testing.T) {
	remote := []ical.Event{event("u1", "20250701T100000Z"), event("u2", "20250702T100000Z")}
	local := []LocalEvent{localEvent("u1", "20250701T100000Z"), localEvent("u3", "20250703T100000Z")}

	plan := BuildPlan(remote, local, fixedNow, Policy{SyncAll: true})
	if len(plan) != 2 {
		t.Fatalf("expected 2 operations, got %+v", plan)
	}
	if plan[0].Kind != OpCreate || plan[0].UID != "u2" {
		t.Errorf("expected create u2 first, got %+v", plan[0])
	}
	if plan[1].Kind != OpDelete || plan[1].UID != "u3" {
		t.Errorf("expected delete u3 last, got %+v", plan[1])
	}
	if plan[1].Href != "/cal/u3.ics" {
		t.Errorf("delete must carry the discovered href, got %q", plan[1].Href)
	}
}

func TestPlanKeepLocal(t *testing.T) {
	remote := []ical.Event{event("u1", "20250701T100000Z"), event("u2", "20250702T100000Z")}
	local := []LocalEvent{localEvent("u1", "20250701T100000Z"), localEvent("u3", "20250703T100000Z")}

	plan := BuildPlan(remote, local, fixedNow, Policy{SyncAll: true, KeepLocal: true})
	if len(plan) != 1 {
		t.Fatalf("expected only the create, got %+v", plan)
	}
	if plan[0].Kind != OpCreate || plan[0].UID != "u2" {
		t.Errorf("expected create u2, got %+v", plan[0])
	}
}

func TestPlanPastEventFilter(t *testing.T) {
	remote := []ical.Event{
		event("u1", "20250101T100000Z"), // past
		event("u2", "20250901T100000Z"), // future
		event("u3", ""),                 // no dtstart: cannot be proven past
	}

	plan := BuildPlan(remote, nil, fixedNow, Policy{SyncAll: false})
	uids := map[string]bool{}
	for _, op := range plan {
		if op.Kind != OpCreate {
			t.Errorf("unexpected op %+v", op)
		}
		uids[op.UID] = true
	}
	if uids["u1"] {
		t.Error("past event u1 must be filtered out")
	}
	if !uids["u2"] || !uids["u3"] {
		t.Errorf("expected u2 and u3 to be created, got %v", uids)
	}

	// With sync_all the past event is kept.
	plan = BuildPlan(remote, nil, fixedNow, Policy{SyncAll: true})
	if len(plan) != 3 {
		t.Errorf("sync_all should keep all 3, got %d", len(plan))
	}
}

func TestPlanUpdateOnBodyChange(t *testing.T) {
	remote := []ical.Event{event("u1", "20250701T110000Z")}
	local := []LocalEvent{localEvent("u1", "20250701T100000Z")}

	plan := BuildPlan(remote, local, fixedNow, Policy{SyncAll: true})
	if len(plan) != 1 || plan[0].Kind != OpUpdate {
		t.Fatalf("expected a single update, got %+v", plan)
	}
	if plan[0].Href != "/cal/u1.ics" {
		t.Errorf("update must overwrite the existing href, got %q", plan[0].Href)
	}
}

func TestPlanLineEndingDifferenceIsNotAnUpdate(t *testing.T) {
	remote := []ical.Event{event("u1", "20250701T100000Z")}

	lf := strings.ReplaceAll(string(remote[0].RawBody), "\r\n", "\n")
	localEvents, _ := ical.Split([]byte(lf))
	local := []LocalEvent{{Href: "/cal/u1.ics", Event: localEvents[0]}}

	plan := BuildPlan(remote, local, fixedNow, Policy{SyncAll: true})
	if len(plan) != 0 {
		t.Errorf("CRLF/LF difference must not trigger an update: %+v", plan)
	}
}

func TestPlanIdempotence(t *testing.T) {
	remote := []ical.Event{event("u1", "20250701T100000Z"), event("u2", "20250702T100000Z")}
	local := []LocalEvent{localEvent("u3", "20250703T100000Z")}

	first := BuildPlan(remote, local, fixedNow, Policy{SyncAll: true})
	if len(first) == 0 {
		t.Fatal("first plan should not be empty")
	}

	// Simulate the applied state: remote mirrored exactly.
	var applied []LocalEvent
	for _, ev := range remote {
		applied = append(applied, LocalEvent{Href: "/cal/" + ev.UID + ".ics", Event: ev})
	}
	second := BuildPlan(remote, applied, fixedNow, Policy{SyncAll: true})
	if len(second) != 0 {
		t.Errorf("second plan must be empty, got %+v", second)
	}
}

func TestPlanOrderingDeterministic(t *testing.T) {
	remote := []ical.Event{
		event("b", "20250701T100000Z"),
		event("a", "20250701T100000Z"),
		event("c", "20250701T100000Z"),
	}
	plan := BuildPlan(remote, nil, fixedNow, Policy{SyncAll: true})
	var uids []string
	for _, op := range plan {
		uids = append(uids, op.UID)
	}
	if strings.Join(uids, ",") != "a,b,c" {
		t.Errorf("creates not sorted by uid: %v", uids)
	}
}

// fakeWriter records operations and fails on demand.
type fakeWriter struct {
	puts    []string
	deletes []string
	failUID string
}

func (f *fakeWriter) PutEvent(_ context.Context, _ string, uid string, body []byte, create bool) (string, error) {
	if uid == f.failUID {
		return "", errors.New("upstream status 500")
	}
	if !strings.Contains(string(body), "BEGIN:VCALENDAR") {
		return "", fmt.Errorf("body for %s not wrapped in VCALENDAR", uid)
	}
	f.puts = append(f.puts, uid)
	return "/cal/" + uid + ".ics", nil
}

func (f *fakeWriter) DeleteEvent(_ context.Context, href string) error {
	f.deletes = append(f.deletes, href)
	return nil
}

func TestApplyPartialFailure(t *testing.T) {
	plan := []Operation{
		{Kind: OpCreate, UID: "u2", Body: event("u2", "").RawBody},
		{Kind: OpCreate, UID: "u4", Body: event("u4", "").RawBody},
		{Kind: OpDelete, UID: "u5", Href: "/cal/u5.ics"},
	}

	w := &fakeWriter{failUID: "u4"}
	res := Apply(context.Background(), w, "https://x/cal/", plan)

	if res.Created != 1 || res.Deleted != 1 {
		t.Errorf("expected 1 create and 1 delete to succeed, got %+v", res)
	}
	if res.OK() {
		t.Error("result must not be OK with a failed operation")
	}
	if len(res.Errors) != 1 || res.Errors[0].UID != "u4" {
		t.Fatalf("expected a single error for u4, got %+v", res.Errors)
	}
	if msg := errorSummary(res.Errors); !strings.Contains(msg, "u4") {
		t.Errorf("error summary should mention u4: %q", msg)
	}
	// The delete after the failed create must still have run.
	if len(w.deletes) != 1 {
		t.Errorf("remaining operations must run after a failure: %+v", w.deletes)
	}
}

func TestErrorSummaryTruncation(t *testing.T) {
	var errs []OpError
	for i := 0; i < 200; i++ {
		errs = append(errs, OpError{UID: fmt.Sprintf("uid-%03d", i), Kind: OpCreate, Err: errors.New(strings.Repeat("x", 64))})
	}
	msg := errorSummary(errs)
	if len(msg) > maxErrorSummary+16 {
		t.Errorf("summary not truncated: %d bytes", len(msg))
	}
	if !strings.HasSuffix(msg, "...") {
		t.Errorf("truncated summary should end with ellipsis: %q", msg[len(msg)-8:])
	}
}
