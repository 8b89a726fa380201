package tools

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// extractText returns the visible text of an HTML document with script and
// style contents removed and whitespace collapsed to single spaces.
func extractText(r io.Reader) string {
	z := html.NewTokenizer(r)
	var sb strings.Builder
	skip := 0 // depth inside <script>/<style>

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.StartTagToken:
			if name, _ := z.TagName(); isHiddenTag(string(name)) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isHiddenTag(string(name)) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
				sb.WriteByte(' ')
			}
		}
	}
}

func isHiddenTag(name string) bool {
	return name == "script" || name == "style"
}

// truncateWords keeps the first max words, appending "..." when cut.
func truncateWords(text string, max int) string {
	if max <= 0 {
		return text
	}
	words := strings.Fields(text)
	if len(words) <= max {
		return text
	}
	return strings.Join(words[:max], " ") + "..."
}
