package caldav

import (
	"strings"

	"github.com/beevik/etree"
)

// The multistatus reader is deliberately namespace-oblivious: it matches
// element local names only and never validates the payload against a schema.
// Some servers (Feishu among them) emit responses that a conforming parser
// would reject; we extract what we need and pass calendar data through
// untouched.

// collectionEntry is one response from a Depth 0/1 PROPFIND.
type collectionEntry struct {
	Href        string
	DisplayName string
	IsCalendar  bool
}

// eventEntry is one response from a calendar-query REPORT.
type eventEntry struct {
	Href string
	Data string
}

func parseDocument(data []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, &Error{Kind: KindMalformedXML, Msg: "unparseable multistatus", Err: err}
	}
	if doc.Root() == nil {
		return nil, &Error{Kind: KindMalformedXML, Msg: "empty multistatus document"}
	}
	return doc, nil
}

// readCollections extracts href, displayname, and calendar-ness from each
// response element of a PROPFIND multistatus.
func readCollections(data []byte) ([]collectionEntry, error) {
	doc, err := parseDocument(data)
	if err != nil {
		return nil, err
	}

	var entries []collectionEntry
	walk(doc.Root(), "response", func(resp *etree.Element) {
		entry := collectionEntry{}
		walk(resp, "href", func(el *etree.Element) {
			if entry.Href == "" {
				entry.Href = trimText(el)
			}
		})
		walk(resp, "displayname", func(el *etree.Element) {
			if entry.DisplayName == "" {
				entry.DisplayName = trimText(el)
			}
		})
		walk(resp, "resourcetype", func(rt *etree.Element) {
			walk(rt, "calendar", func(*etree.Element) {
				entry.IsCalendar = true
			})
		})
		entries = append(entries, entry)
	})
	return entries, nil
}

// readEvents extracts each response's href together with its calendar-data
// text from a REPORT multistatus. The text content is returned unmodified so
// downstream parsing sees original server bytes.
func readEvents(data []byte) ([]eventEntry, error) {
	doc, err := parseDocument(data)
	if err != nil {
		return nil, err
	}

	var entries []eventEntry
	walk(doc.Root(), "response", func(resp *etree.Element) {
		entry := eventEntry{}
		walk(resp, "href", func(el *etree.Element) {
			if entry.Href == "" {
				entry.Href = trimText(el)
			}
		})
		walk(resp, "calendar-data", func(el *etree.Element) {
			if entry.Data == "" {
				entry.Data = el.Text()
			}
		})
		if entry.Data != "" {
			entries = append(entries, entry)
		}
	})
	return entries, nil
}

// walk visits every descendant of el (el excluded) whose local tag matches.
func walk(el *etree.Element, tag string, fn func(*etree.Element)) {
	for _, child := range el.ChildElements() {
		if child.Tag == tag {
			fn(child)
		}
		walk(child, tag, fn)
	}
}

func trimText(el *etree.Element) string {
	return strings.TrimSpace(el.Text())
}
