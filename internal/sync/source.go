package sync

import (
	"context"
	"log"
	"time"

	"gitea.jw6.us/james/calsync/internal/caldav"
	"gitea.jw6.us/james/calsync/internal/ical"
	"gitea.jw6.us/james/calsync/internal/publish"
	"gitea.jw6.us/james/calsync/internal/store"
)

const publishedContentType = "text/calendar; charset=utf-8"

// runSourceCycle pulls every calendar under the source's base URL and
// republishes the merged events at /ics/{ics_path}. A failed cycle records an
// error status but never clears the previously published body: serving stale
// beats serving nothing.
//
// ctx carries the unit's lifecycle and gates only the status writes: an
// in-flight HTTP roundtrip is never torn down by unit deletion, requests are
// bounded by the client timeout alone. Deletion is observed between
// operations, at the store writes.
func (e *Engine) runSourceCycle(ctx context.Context, src store.Source) error {
	client := caldav.New(e.newHTTPClient(), src.CalDAVURL, src.Username, src.Password)

	calendarURLs, err := client.DiscoverCalendarURLs(context.Background(), "")
	if err != nil {
		e.recordSourceError(ctx, src.ID, err)
		return err
	}

	var bodies [][]byte
	for _, calendarURL := range calendarURLs {
		events, err := client.ListEvents(context.Background(), calendarURL)
		if err != nil {
			e.recordSourceError(ctx, src.ID, err)
			return err
		}
		for _, remote := range events {
			parsed, warnings := ical.Split(remote.Data)
			for _, w := range warnings {
				log.Printf("[WARN] source/%d: %s (%s)", src.ID, w, remote.Href)
			}
			for _, ev := range parsed {
				bodies = append(bodies, ev.RawBody)
			}
		}
	}

	body := ical.Merge(bodies)
	now := time.Now().UTC()

	if err := e.store.Sources.SavePublished(ctx, src.ID, body, publishedContentType, now); err != nil {
		// A canceled context here means the unit was deleted mid-cycle; the
		// discarded write is intentional.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	e.publisher.Set(src.ICSPath, publish.Entry{
		ContentType:  publishedContentType,
		Body:         body,
		LastModified: now,
	})

	log.Printf("[INFO] source/%d: synced %d events from %d calendars", src.ID, len(bodies), len(calendarURLs))
	return nil
}

func (e *Engine) recordSourceError(ctx context.Context, id int64, cause error) {
	if ctx.Err() != nil {
		return
	}
	if err := e.store.Sources.SetSyncError(ctx, id, cause.Error()); err != nil {
		log.Printf("[ERROR] source/%d: record sync error: %v", id, err)
	}
}
