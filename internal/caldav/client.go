// Package caldav implements the WebDAV/CalDAV dialect this service speaks:
// PROPFIND discovery, calendar-query REPORT listing, and per-event PUT,
// DELETE, and GET, with quirk handling for non-conforming servers.
package caldav

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const propfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
     <d:resourcetype />
     <d:displayname />
     <c:supported-calendar-component-set />
  </d:prop>
</d:propfind>`

const reportBody = `<?xml version="1.0" encoding="utf-8" ?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag />
    <c:calendar-data />
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VEVENT" />
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`

// RemoteEvent is one event resource inside a calendar collection.
type RemoteEvent struct {
	Href string
	Data []byte
}

// Client talks to a single CalDAV server with fixed Basic credentials.
type Client struct {
	http     *http.Client
	base     string
	username string
	password string
}

// New builds a client for the given base URL. httpClient carries the
// per-request timeout; credentials ride on every request.
func New(httpClient *http.Client, baseURL, username, password string) *Client {
	return &Client{
		http:     httpClient,
		base:     strings.TrimSpace(baseURL),
		username: username,
		password: password,
	}
}

// do issues one request, applying the slash-toggle quirk retry: a 404 or 405
// is retried exactly once against the URL with its trailing slash inverted.
// Some servers (Feishu, certain Nextcloud deployments) are strict about slash
// semantics on collection URLs. A 401 is terminal with no retry.
func (c *Client) do(ctx context.Context, method, rawURL string, header http.Header, body string) (*http.Response, string, error) {
	resp, err := c.send(ctx, method, rawURL, header, body)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		return resp, rawURL, nil
	}

	toggled := toggleSlash(rawURL)
	drain(resp)
	retryResp, retryErr := c.send(ctx, method, toggled, header, body)
	if retryErr != nil {
		// Report the original failure, not the retry transport error.
		return nil, "", statusErr(resp.StatusCode, rawURL)
	}
	if retryResp.StatusCode == http.StatusNotFound || retryResp.StatusCode == http.StatusMethodNotAllowed {
		drain(retryResp)
		return nil, "", statusErr(resp.StatusCode, rawURL)
	}
	return retryResp, toggled, nil
}

func (c *Client) send(ctx context.Context, method, rawURL string, header http.Header, body string) (*http.Response, error) {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, networkErr(err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, networkErr(err)
	}
	return resp, nil
}

// DiscoverCalendarURLs resolves the base URL into calendar collection URLs.
// If the base is itself a calendar collection it wins, regardless of name.
// Otherwise a Depth 1 PROPFIND lists the children; when calendarName is set
// only children with that displayname match, otherwise every child calendar
// is returned.
func (c *Client) DiscoverCalendarURLs(ctx context.Context, calendarName string) ([]string, error) {
	hdr := http.Header{}
	hdr.Set("Depth", "0")
	hdr.Set("Content-Type", "application/xml; charset=utf-8")

	resp, effective, err := c.do(ctx, "PROPFIND", c.base, hdr, propfindBody)
	if err != nil {
		return nil, err
	}
	data, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	entries, err := readCollections(data)
	if err != nil {
		return nil, err
	}
	// Depth 0 yields a single response: the base itself. If it already is a
	// calendar collection it wins, regardless of calendarName.
	if len(entries) > 0 && entries[0].IsCalendar {
		return []string{effective}, nil
	}

	hdr.Set("Depth", "1")
	resp, effective, err = c.do(ctx, "PROPFIND", effective, hdr, propfindBody)
	if err != nil {
		return nil, err
	}
	data, err = readBody(resp)
	if err != nil {
		return nil, err
	}
	entries, err = readCollections(data)
	if err != nil {
		return nil, err
	}

	var urls []string
	for _, e := range entries {
		if !e.IsCalendar || e.Href == "" {
			continue
		}
		if calendarName != "" && e.DisplayName != calendarName {
			continue
		}
		urls = append(urls, c.resolveHref(effective, e.Href))
	}
	if len(urls) == 0 {
		return nil, &Error{Kind: KindNotFound, Msg: fmt.Sprintf("no calendar collection found under %s", c.base)}
	}
	sort.Strings(urls)
	return urls, nil
}

// DiscoverCalendarURL is the single-collection form used by destinations.
func (c *Client) DiscoverCalendarURL(ctx context.Context, calendarName string) (string, error) {
	urls, err := c.DiscoverCalendarURLs(ctx, calendarName)
	if err != nil {
		return "", err
	}
	return urls[0], nil
}

// ListEvents issues a calendar-query REPORT and returns each event's href and
// its body verbatim. No iCalendar parsing happens here.
func (c *Client) ListEvents(ctx context.Context, calendarURL string) ([]RemoteEvent, error) {
	hdr := http.Header{}
	hdr.Set("Depth", "1")
	hdr.Set("Content-Type", "application/xml; charset=utf-8")

	resp, effective, err := c.do(ctx, "REPORT", calendarURL, hdr, reportBody)
	if err != nil {
		return nil, err
	}
	data, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	entries, err := readEvents(data)
	if err != nil {
		return nil, err
	}

	events := make([]RemoteEvent, 0, len(entries))
	for _, e := range entries {
		events = append(events, RemoteEvent{
			Href: c.resolveHref(effective, e.Href),
			Data: []byte(e.Data),
		})
	}
	return events, nil
}

// FetchEvent retrieves a single event body by href.
func (c *Client) FetchEvent(ctx context.Context, href string) ([]byte, error) {
	resp, _, err := c.do(ctx, http.MethodGet, c.resolveHref(c.base, href), nil, "")
	if err != nil {
		return nil, err
	}
	return readBody(resp)
}

// PutEvent uploads one event, wrapped by the caller, to
// {calendarURL}/{uid}.ics. With create set, If-None-Match: * guards against
// overwriting an existing resource. The final href is returned.
func (c *Client) PutEvent(ctx context.Context, calendarURL, uid string, body []byte, create bool) (string, error) {
	target := strings.TrimSuffix(calendarURL, "/") + "/" + url.PathEscape(uid) + ".ics"

	hdr := http.Header{}
	hdr.Set("Content-Type", "text/calendar; charset=utf-8")
	if create {
		hdr.Set("If-None-Match", "*")
	}

	resp, effective, err := c.do(ctx, http.MethodPut, target, hdr, string(body))
	if err != nil {
		return "", err
	}
	defer drain(resp)
	if resp.StatusCode >= 400 {
		return "", statusErr(resp.StatusCode, snippet(resp))
	}
	return effective, nil
}

// DeleteEvent removes a single event resource.
func (c *Client) DeleteEvent(ctx context.Context, href string) error {
	resp, _, err := c.do(ctx, http.MethodDelete, c.resolveHref(c.base, href), nil, "")
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode >= 400 {
		return statusErr(resp.StatusCode, snippet(resp))
	}
	return nil
}

// resolveHref turns a server-relative href into an absolute URL on the same
// scheme and host as the reference URL. Absolute hrefs pass through.
func (c *Client) resolveHref(reference, href string) string {
	if href == "" || strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	parsed, err := url.Parse(reference)
	if err != nil {
		return href
	}
	return parsed.Scheme + "://" + parsed.Host + href
}

func toggleSlash(rawURL string) string {
	if strings.HasSuffix(rawURL, "/") {
		return strings.TrimSuffix(rawURL, "/")
	}
	return rawURL + "/"
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, statusErr(resp.StatusCode, strings.TrimSpace(string(data)))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkErr(err)
	}
	return data, nil
}

func snippet(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return strings.TrimSpace(string(bytes.ToValidUTF8(data, nil)))
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
