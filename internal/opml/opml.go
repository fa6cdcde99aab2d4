// Package opml handles importing and exporting OPML subscription lists.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is a feed when XMLURL is set, otherwise a folder.
type Outline struct {
	Text        string    `xml:"text,attr"`
	Title       string    `xml:"title,attr,omitempty"`
	Type        string    `xml:"type,attr,omitempty"`
	XMLURL      string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL     string    `xml:"htmlUrl,attr,omitempty"`
	Description string    `xml:"description,attr,omitempty"`
	Outlines    []Outline `xml:"outline,omitempty"`
}

// FeedEntry is one subscription. Folders are not kept.
type FeedEntry struct {
	Title       string
	URL         string
	SiteURL     string
	Description string
}

// Parse reads an OPML document and returns every feed outline at any depth,
// in document order.
func Parse(r io.Reader) ([]FeedEntry, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	var entries []FeedEntry
	var walk func(outlines []Outline)
	walk = func(outlines []Outline) {
		for _, o := range outlines {
			if url := strings.TrimSpace(o.XMLURL); url != "" {
				title := o.Text
				if title == "" {
					title = o.Title
				}
				if title == "" {
					title = "Untitled"
				}
				entries = append(entries, FeedEntry{
					Title:       title,
					URL:         url,
					SiteURL:     o.HTMLURL,
					Description: o.Description,
				})
			}
			// Some exporters nest feeds under feeds; walk every level.
			walk(o.Outlines)
		}
	}
	walk(doc.Body.Outlines)
	return entries, nil
}

// Export generates an OPML 2.0 document listing feeds at the top level.
func Export(title string, feeds []FeedEntry) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: time.Now().Format(time.RFC1123Z),
		},
	}
	for _, f := range feeds {
		doc.Body.Outlines = append(doc.Body.Outlines, Outline{
			Text:        f.Title,
			Title:       f.Title,
			Type:        "rss",
			XMLURL:      f.URL,
			HTMLURL:     f.SiteURL,
			Description: f.Description,
		})
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}
