package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"gitea.jw6.us/james/calsync/internal/publish"
	"gitea.jw6.us/james/calsync/internal/store"
)

func publishEntry(body []byte) publish.Entry {
	return publish.Entry{ContentType: publishedContentType, Body: body, LastModified: time.Now().UTC()}
}

const calendarPropfindBody = `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/cal/</d:href>
    <d:propstat><d:prop>
      <d:displayname>Work</d:displayname>
      <d:resourcetype><d:collection/><c:calendar/></d:resourcetype>
    </d:prop></d:propstat>
  </d:response>
</d:multistatus>`

func reportWith(events map[string]string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">`)
	// deterministic order not required; the differ sorts
	for uid, dtstart := range events {
		b.WriteString(`<d:response><d:href>/cal/` + uid + `.ics</d:href><d:propstat><d:prop><c:calendar-data>`)
		b.WriteString("BEGIN:VCALENDAR\nBEGIN:VEVENT\nUID:" + uid + "\n")
		if dtstart != "" {
			b.WriteString("DTSTART:" + dtstart + "\n")
		}
		b.WriteString("END:VEVENT\nEND:VCALENDAR")
		b.WriteString(`</c:calendar-data></d:prop></d:propstat></d:response>`)
	}
	b.WriteString(`</d:multistatus>`)
	return b.String()
}

// davServer simulates a minimal CalDAV collection at /cal/.
type davServer struct {
	mu      gosync.Mutex
	report  string
	puts    []string
	deletes []string
	failPut string
}

func (s *davServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "PROPFIND":
			w.WriteHeader(http.StatusMultiStatus)
			_, _ = w.Write([]byte(calendarPropfindBody))
		case "REPORT":
			s.mu.Lock()
			body := s.report
			s.mu.Unlock()
			w.WriteHeader(http.StatusMultiStatus)
			_, _ = w.Write([]byte(body))
		case http.MethodPut:
			uid := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/cal/"), ".ics")
			s.mu.Lock()
			fail := s.failPut == uid
			if !fail {
				s.puts = append(s.puts, uid)
			}
			s.mu.Unlock()
			if fail {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			s.mu.Lock()
			s.deletes = append(s.deletes, r.URL.Path)
			s.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
}

// destRepo is an in-memory DestinationRepository recording status writes.
type destRepo struct {
	mu    gosync.Mutex
	dests map[int64]store.Destination
	okAt  []time.Time
	errs  []string
}

func (f *destRepo) List(ctx context.Context) ([]store.Destination, error) { return nil, nil }
func (f *destRepo) GetByID(ctx context.Context, id int64) (*store.Destination, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.dests[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}
func (f *destRepo) Create(ctx context.Context, d store.Destination) (*store.Destination, error) {
	return &d, nil
}
func (f *destRepo) Update(ctx context.Context, d store.Destination) error { return nil }
func (f *destRepo) Delete(ctx context.Context, id int64) error            { return nil }
func (f *destRepo) SetSyncOK(ctx context.Context, id int64, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.okAt = append(f.okAt, t)
	return nil
}
func (f *destRepo) SetSyncError(ctx context.Context, id int64, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, msg)
	return nil
}

func TestSourceCycleHappyPath(t *testing.T) {
	dav := &davServer{report: reportWith(map[string]string{"u1": "20250701T100000Z", "u2": "20250702T100000Z"})}
	srv := httptest.NewServer(dav.handler())
	defer srv.Close()

	sources := newFakeSources()
	sources.sources[1] = store.Source{ID: 1, Name: "A", ICSPath: "work", CalDAVURL: srv.URL + "/cal/"}
	e := testEngine(sources)
	defer e.Stop()

	src, _ := sources.GetByID(context.Background(), 1)
	if err := e.runSourceCycle(context.Background(), *src); err != nil {
		t.Fatalf("source cycle: %v", err)
	}

	sources.mu.Lock()
	defer sources.mu.Unlock()
	if len(sources.published) != 1 {
		t.Fatalf("expected one published body, got %d", len(sources.published))
	}
	body := string(sources.published[0])
	for _, want := range []string{"UID:u1", "UID:u2", "BEGIN:VCALENDAR", "END:VCALENDAR"} {
		if !strings.Contains(body, want) {
			t.Errorf("published calendar missing %q", want)
		}
	}

	entry, ok := e.publisher.Get("work")
	if !ok {
		t.Fatal("publisher has no entry for ics_path work")
	}
	if string(entry.Body) != body {
		t.Error("publisher body differs from persisted body")
	}
}

func TestSourceCycleFailureKeepsPublishedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sources := newFakeSources()
	sources.sources[1] = store.Source{ID: 1, ICSPath: "work", CalDAVURL: srv.URL + "/cal/"}
	e := testEngine(sources)
	defer e.Stop()

	stale := []byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n")
	e.publisher.Set("work", publishEntry(stale))

	src, _ := sources.GetByID(context.Background(), 1)
	if err := e.runSourceCycle(context.Background(), *src); err == nil {
		t.Fatal("expected cycle failure")
	}

	sources.mu.Lock()
	if len(sources.errSet) != 1 {
		t.Errorf("expected one recorded sync error, got %v", sources.errSet)
	}
	if len(sources.published) != 0 {
		t.Errorf("failed cycle must not persist a body")
	}
	sources.mu.Unlock()

	entry, ok := e.publisher.Get("work")
	if !ok || string(entry.Body) != string(stale) {
		t.Error("stale published body must survive a failed cycle")
	}
}

func TestDestinationCycleCreateAndDelete(t *testing.T) {
	dav := &davServer{report: reportWith(map[string]string{"u1": "", "u3": ""})}
	davSrv := httptest.NewServer(dav.handler())
	defer davSrv.Close()

	feed := "BEGIN:VCALENDAR\r\n" +
		"BEGIN:VEVENT\r\nUID:u1\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nUID:u2\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(feed))
	}))
	defer feedSrv.Close()

	dests := &destRepo{dests: map[int64]store.Destination{1: {
		ID: 1, ICSURL: feedSrv.URL, CalDAVURL: davSrv.URL + "/cal/",
		SyncAll: true, KeepLocal: false,
	}}}
	e := New(&store.Store{Sources: newFakeSources(), Destinations: dests}, publish.New(), time.Second)
	defer e.Stop()

	dest, _ := dests.GetByID(context.Background(), 1)
	if err := e.runDestinationCycle(context.Background(), *dest); err != nil {
		t.Fatalf("destination cycle: %v", err)
	}

	dav.mu.Lock()
	defer dav.mu.Unlock()
	if len(dav.puts) != 1 || dav.puts[0] != "u2" {
		t.Errorf("expected create of u2 only, got puts %v", dav.puts)
	}
	if len(dav.deletes) != 1 || dav.deletes[0] != "/cal/u3.ics" {
		t.Errorf("expected delete of u3, got %v", dav.deletes)
	}

	dests.mu.Lock()
	defer dests.mu.Unlock()
	if len(dests.okAt) != 1 {
		t.Errorf("expected ok status write, got ok=%v errs=%v", dests.okAt, dests.errs)
	}
}

func TestDestinationCycleKeepLocal(t *testing.T) {
	dav := &davServer{report: reportWith(map[string]string{"u1": "", "u3": ""})}
	davSrv := httptest.NewServer(dav.handler())
	defer davSrv.Close()

	feed := "BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nUID:u1\r\nEND:VEVENT\r\nBEGIN:VEVENT\r\nUID:u2\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(feed))
	}))
	defer feedSrv.Close()

	dests := &destRepo{dests: map[int64]store.Destination{1: {
		ID: 1, ICSURL: feedSrv.URL, CalDAVURL: davSrv.URL + "/cal/",
		SyncAll: true, KeepLocal: true,
	}}}
	e := New(&store.Store{Sources: newFakeSources(), Destinations: dests}, publish.New(), time.Second)
	defer e.Stop()

	dest, _ := dests.GetByID(context.Background(), 1)
	if err := e.runDestinationCycle(context.Background(), *dest); err != nil {
		t.Fatalf("destination cycle: %v", err)
	}

	dav.mu.Lock()
	defer dav.mu.Unlock()
	if len(dav.puts) != 1 || dav.puts[0] != "u2" {
		t.Errorf("expected create of u2, got %v", dav.puts)
	}
	if len(dav.deletes) != 0 {
		t.Errorf("keep_local must not delete, got %v", dav.deletes)
	}
}

func TestDestinationCyclePartialFailure(t *testing.T) {
	dav := &davServer{report: reportWith(nil), failPut: "u4"}
	davSrv := httptest.NewServer(dav.handler())
	defer davSrv.Close()

	feed := "BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nUID:u2\r\nEND:VEVENT\r\nBEGIN:VEVENT\r\nUID:u4\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(feed))
	}))
	defer feedSrv.Close()

	dests := &destRepo{dests: map[int64]store.Destination{1: {
		ID: 1, ICSURL: feedSrv.URL, CalDAVURL: davSrv.URL + "/cal/", SyncAll: true,
	}}}
	e := New(&store.Store{Sources: newFakeSources(), Destinations: dests}, publish.New(), time.Second)
	defer e.Stop()

	dest, _ := dests.GetByID(context.Background(), 1)
	err := e.runDestinationCycle(context.Background(), *dest)
	if err == nil {
		t.Fatal("expected error from partial failure")
	}

	// The successful create still happened.
	dav.mu.Lock()
	if len(dav.puts) != 1 || dav.puts[0] != "u2" {
		t.Errorf("u2 should have been created despite u4 failing, got %v", dav.puts)
	}
	dav.mu.Unlock()

	dests.mu.Lock()
	defer dests.mu.Unlock()
	if len(dests.errs) != 1 || !strings.Contains(dests.errs[0], "u4") {
		t.Errorf("recorded error must mention u4, got %v", dests.errs)
	}
	if len(dests.okAt) != 0 {
		t.Error("cycle with failures must not record ok")
	}
}
