// Package ical splits, inspects, and reassembles iCalendar documents at the
// byte level. It never validates: event bodies pass through verbatim so that
// quirky servers (Feishu in particular) round-trip unchanged.
package ical

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

const (
	beginEvent = "BEGIN:VEVENT"
	endEvent   = "END:VEVENT"

	// ProdID identifies calendars assembled by this service.
	ProdID = "-//caldav-ics-sync//EN"
)

// Event is one VEVENT lifted out of an ICS document. RawBody holds the
// original BEGIN:VEVENT..END:VEVENT block, CRLF-terminated, folding intact.
type Event struct {
	UID          string
	Start        time.Time
	End          time.Time
	Duration     string
	LastModified time.Time
	RawBody      []byte
}

// HasStart reports whether the event carried a parseable DTSTART.
func (e *Event) HasStart() bool { return !e.Start.IsZero() }

// Split scans an ICS document for VEVENT blocks. Events without a UID are
// dropped; each drop is reported as a warning string so the sync cycle can
// surface it without failing. Both CRLF and LF input are tolerated.
func Split(data []byte) ([]Event, []string) {
	var (
		events   []Event
		warnings []string
		block    []string
		inEvent  bool
	)

	for _, line := range splitLines(data) {
		if strings.HasPrefix(line, beginEvent) {
			inEvent = true
			block = block[:0]
		}
		if inEvent {
			block = append(block, line)
		}
		if inEvent && strings.HasPrefix(line, endEvent) {
			inEvent = false
			ev := parseEvent(block)
			if ev.UID == "" {
				warnings = append(warnings, "skipped event without UID")
				continue
			}
			events = append(events, ev)
		}
	}

	return events, warnings
}

// parseEvent builds an Event from the physical lines of one VEVENT block.
// Property extraction works on unfolded logical lines; RawBody keeps the
// physical lines as received, normalized to CRLF terminators.
func parseEvent(lines []string) Event {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	ev := Event{RawBody: buf.Bytes()}

	for _, line := range Unfold(lines) {
		name, value, ok := splitProperty(line)
		if !ok {
			continue
		}
		switch name {
		case "UID":
			ev.UID = value
		case "DTSTART":
			if t, err := ParseDateTime(value); err == nil {
				ev.Start = t
			}
		case "DTEND":
			if t, err := ParseDateTime(value); err == nil {
				ev.End = t
			}
		case "DURATION":
			ev.Duration = value
		case "LAST-MODIFIED":
			if t, err := ParseDateTime(value); err == nil {
				ev.LastModified = t
			}
		}
	}
	return ev
}

// splitProperty separates an unfolded content line into its uppercase
// property name (parameters stripped) and raw value.
func splitProperty(line string) (name, value string, ok bool) {
	colon := strings.Index(line, ":")
	if colon < 0 {
		return "", "", false
	}
	name = line[:colon]
	if semi := strings.Index(name, ";"); semi >= 0 {
		name = name[:semi]
	}
	return strings.ToUpper(strings.TrimSpace(name)), strings.TrimSpace(line[colon+1:]), true
}

// Unfold applies RFC 5545 §3.1 line unfolding: a line beginning with a space
// or tab continues the previous logical line.
func Unfold(raw []string) []string {
	var lines []string
	for _, line := range raw {
		if len(lines) > 0 && (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) {
			lines[len(lines)-1] += line[1:]
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func splitLines(data []byte) []string {
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(s, "\n")
}

var dateTimeFormats = []string{
	"20060102T150405Z", // UTC
	"20060102T150405",  // floating
	"20060102",         // all-day
}

// ParseDateTime recognizes the three RFC 5545 timestamp shapes used for
// filtering. TZID-qualified values parse as floating time; the parameter is
// preserved in RawBody but not interpreted.
func ParseDateTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty datetime")
	}
	for _, format := range dateTimeFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime format: %s", s)
}

// Merge assembles event bodies into a single published VCALENDAR. Bodies are
// emitted verbatim; only the envelope is synthesized.
func Merge(bodies [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("BEGIN:VCALENDAR\r\n")
	buf.WriteString("VERSION:2.0\r\n")
	buf.WriteString("PRODID:" + ProdID + "\r\n")
	buf.WriteString("CALSCALE:GREGORIAN\r\n")
	buf.WriteString("METHOD:PUBLISH\r\n")
	for _, body := range bodies {
		buf.Write(body)
		if len(body) > 0 && !bytes.HasSuffix(body, []byte("\n")) {
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("END:VCALENDAR\r\n")
	return buf.Bytes()
}

// Wrap encloses a single VEVENT body in a minimal VCALENDAR suitable for a
// CalDAV PUT.
func Wrap(body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("BEGIN:VCALENDAR\r\n")
	buf.WriteString("VERSION:2.0\r\n")
	buf.WriteString("PRODID:" + ProdID + "\r\n")
	buf.Write(body)
	if len(body) > 0 && !bytes.HasSuffix(body, []byte("\n")) {
		buf.WriteString("\r\n")
	}
	buf.WriteString("END:VCALENDAR\r\n")
	return buf.Bytes()
}

// Canonical produces the byte form used for update detection: line endings
// normalized to LF, trailing CR stripped per line, blank lines removed.
func Canonical(body []byte) []byte {
	var out []string
	for _, line := range splitLines(body) {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return []byte(strings.Join(out, "\n"))
}

// Equal reports whether two event bodies are bytewise identical after
// canonicalization.
func Equal(a, b []byte) bool {
	return bytes.Equal(Canonical(a), Canonical(b))
}
