// Package feed polls RSS 2.0 and Atom 1.0 endpoints and parses them with
// encoding/xml, auto-detecting the format from the XML root element:
//   - <rss ...> (or <rdf ...>) → RSS 2.0
//   - <feed ...> → Atom 1.0
package feed

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// Entry represents one item in a feed.
type Entry struct {
	GUID        string
	Title       string
	Link        string
	Description string
	Published   time.Time
	Categories  []string
}

// Document represents a parsed RSS or Atom feed.
type Document struct {
	Title   string
	Link    string
	Entries []Entry
}

// Parse auto-detects and parses RSS 2.0 or Atom 1.0 XML.
func Parse(data []byte) (*Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("feed: empty data")
	}

	switch detectFormat(trimmed) {
	case "rss":
		return parseRSS(data)
	case "atom":
		return parseAtom(data)
	default:
		return nil, fmt.Errorf("feed: unknown format (expected <rss> or <feed>)")
	}
}

func detectFormat(data []byte) string {
	// Look for the first element after the XML declaration.
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			name := strings.ToLower(se.Name.Local)
			if name == "rss" || name == "rdf" {
				return "rss"
			}
			if name == "feed" {
				return "atom"
			}
			return ""
		}
	}
}

// --- RSS 2.0 ---

type rssRoot struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title string    `xml:"title"`
	Link  string    `xml:"link"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	GUID        string   `xml:"guid"`
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description"`
	PubDate     string   `xml:"pubDate"`
	Date        string   `xml:"date"` // dc:date
	Categories  []string `xml:"category"`
}

func parseRSS(data []byte) (*Document, error) {
	var root rssRoot
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("feed: parse rss: %w", err)
	}

	ch := root.Channel
	doc := &Document{
		Title:   strings.TrimSpace(ch.Title),
		Link:    strings.TrimSpace(ch.Link),
		Entries: make([]Entry, 0, len(ch.Items)),
	}

	for _, item := range ch.Items {
		guid := strings.TrimSpace(item.GUID)
		if guid == "" {
			guid = strings.TrimSpace(item.Link)
		}

		published := strings.TrimSpace(item.PubDate)
		if published == "" {
			published = strings.TrimSpace(item.Date)
		}

		doc.Entries = append(doc.Entries, Entry{
			GUID:        guid,
			Title:       strings.TrimSpace(item.Title),
			Link:        strings.TrimSpace(item.Link),
			Description: strings.TrimSpace(item.Description),
			Published:   parseFeedTime(published),
			Categories:  trimAll(item.Categories),
		})
	}

	return doc, nil
}

// --- Atom 1.0 ---

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Links   []atomLink  `xml:"link"`
	Entries []atomEntry `xml:"entry"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

type atomEntry struct {
	ID         string         `xml:"id"`
	Title      string         `xml:"title"`
	Links      []atomLink     `xml:"link"`
	Summary    string         `xml:"summary"`
	Published  string         `xml:"published"`
	Updated    string         `xml:"updated"`
	Categories []atomCategory `xml:"category"`
}

type atomCategory struct {
	Term string `xml:"term,attr"`
}

func parseAtom(data []byte) (*Document, error) {
	var root atomFeed
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("feed: parse atom: %w", err)
	}

	doc := &Document{
		Title:   strings.TrimSpace(root.Title),
		Link:    pickLink(root.Links),
		Entries: make([]Entry, 0, len(root.Entries)),
	}

	for _, entry := range root.Entries {
		link := pickLink(entry.Links)
		guid := strings.TrimSpace(entry.ID)
		if guid == "" {
			guid = link
		}

		published := strings.TrimSpace(entry.Published)
		if published == "" {
			published = strings.TrimSpace(entry.Updated)
		}

		cats := make([]string, 0, len(entry.Categories))
		for _, c := range entry.Categories {
			if t := strings.TrimSpace(c.Term); t != "" {
				cats = append(cats, t)
			}
		}

		doc.Entries = append(doc.Entries, Entry{
			GUID:        guid,
			Title:       strings.TrimSpace(entry.Title),
			Link:        link,
			Description: strings.TrimSpace(entry.Summary),
			Published:   parseFeedTime(published),
			Categories:  cats,
		})
	}

	return doc, nil
}

// pickLink prefers rel="alternate" (or no rel), falling back to the first href.
func pickLink(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "" || l.Rel == "alternate" {
			if h := strings.TrimSpace(l.Href); h != "" {
				return h
			}
		}
	}
	for _, l := range links {
		if h := strings.TrimSpace(l.Href); h != "" {
			return h
		}
	}
	return ""
}

var feedTimeLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02",
}

// parseFeedTime tries the date layouts seen in the wild.
// Unparseable dates yield the zero time; the normalizer substitutes the
// collection time so the record is not lost.
func parseFeedTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range feedTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}
