package sync

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"gitea.jw6.us/james/calsync/internal/caldav"
	"gitea.jw6.us/james/calsync/internal/ical"
	"gitea.jw6.us/james/calsync/internal/store"
)

// runDestinationCycle downloads the remote ICS feed, reconciles it against
// the CalDAV collection, and applies the plan. Per-event failures accumulate
// without aborting the cycle.
//
// As in runSourceCycle, ctx gates only the status writes: every HTTP
// roundtrip runs on its own timeout-bounded request and completes even if
// the unit is deleted mid-cycle.
func (e *Engine) runDestinationCycle(ctx context.Context, dest store.Destination) error {
	feed, err := e.fetchICS(dest.ICSURL)
	if err != nil {
		e.recordDestinationError(ctx, dest.ID, err)
		return err
	}

	remote, warnings := ical.Split(feed)

	client := caldav.New(e.newHTTPClient(), dest.CalDAVURL, dest.Username, dest.Password)
	calendarURL, err := client.DiscoverCalendarURL(context.Background(), dest.CalendarName)
	if err != nil {
		e.recordDestinationError(ctx, dest.ID, err)
		return err
	}

	listed, err := client.ListEvents(context.Background(), calendarURL)
	if err != nil {
		e.recordDestinationError(ctx, dest.ID, err)
		return err
	}
	var local []LocalEvent
	for _, item := range listed {
		parsed, _ := ical.Split(item.Data)
		for _, ev := range parsed {
			local = append(local, LocalEvent{Href: item.Href, Event: ev})
		}
	}

	plan := BuildPlan(remote, local, time.Now().UTC(), Policy{SyncAll: dest.SyncAll, KeepLocal: dest.KeepLocal})
	result := Apply(context.Background(), client, calendarURL, plan)

	// Events dropped for lacking a UID join the cycle's error list.
	errs := result.Errors
	for _, w := range warnings {
		errs = append(errs, OpError{UID: "?", Kind: "parse", Err: fmt.Errorf("%s", w)})
	}

	if len(errs) > 0 {
		summary := errorSummary(errs)
		e.recordDestinationError(ctx, dest.ID, fmt.Errorf("%s", summary))
		return fmt.Errorf("destination sync: %s", summary)
	}

	if err := e.store.Destinations.SetSyncOK(ctx, dest.ID, time.Now().UTC()); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	log.Printf("[INFO] destination/%d: %d created, %d updated, %d deleted (%d remote events)",
		dest.ID, result.Created, result.Updated, result.Deleted, len(remote))
	return nil
}

// fetchICS downloads the remote feed. The feed is fetched unauthenticated;
// any 200 body is accepted (text/plain feeds are common in the wild), other
// statuses fail the cycle. The request is bounded by the client timeout, not
// by the unit's lifetime.
func (e *Engine) fetchICS(url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build ICS request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar, text/plain")

	resp, err := e.newHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ICS feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ICS feed: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ICS feed: %w", err)
	}
	return body, nil
}

func (e *Engine) recordDestinationError(ctx context.Context, id int64, cause error) {
	if ctx.Err() != nil {
		return
	}
	if err := e.store.Destinations.SetSyncError(ctx, id, cause.Error()); err != nil {
		log.Printf("[ERROR] destination/%d: record sync error: %v", id, err)
	}
}
