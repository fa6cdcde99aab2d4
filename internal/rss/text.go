package rss

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicy = bluemonday.StrictPolicy()

	blockBreaks = strings.NewReplacer(
		"</p>", "</p>\n",
		"<br>", "<br>\n",
		"<br/>", "<br/>\n",
		"<br />", "<br />\n",
		"</div>", "</div>\n",
		"</li>", "</li>\n",
		"</h1>", "</h1>\n",
		"</h2>", "</h2>\n",
		"</h3>", "</h3>\n",
		"</blockquote>", "</blockquote>\n",
	)
)

// PlainText strips markup from feed HTML, keeping one line per block.
func PlainText(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	text := html.UnescapeString(strictPolicy.Sanitize(blockBreaks.Replace(raw)))
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
