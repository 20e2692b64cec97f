// Package textproc turns downloaded filing markup into plain text and splits
// it into fixed-size chunks.
package textproc

import (
	"strings"

	"golang.org/x/net/html"
)

// Clean strips markup from raw. Script and style elements are dropped with
// their content, every tag or comment becomes a space, entities are decoded,
// whitespace runs collapse to a single space and the result is trimmed.
// The output is valid UTF-8 without NUL bytes.
func Clean(raw string) string {
	if raw == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(raw))

	z := html.NewTokenizer(strings.NewReader(raw))
	skipDepth := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return Sanitize(strings.Join(strings.Fields(b.String()), " "))
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken:
			if isSkipped(z) {
				skipDepth++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			if isSkipped(z) && skipDepth > 0 {
				skipDepth--
			}
			b.WriteByte(' ')
		default:
			b.WriteByte(' ')
		}
	}
}

func isSkipped(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch string(name) {
	case "script", "style":
		return true
	default:
		return false
	}
}

// Sanitize replaces invalid UTF-8 with U+FFFD and removes NUL bytes, both of
// which Postgres rejects in TEXT columns.
func Sanitize(s string) string {
	s = strings.ToValidUTF8(s, "�")
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	return s
}
