package extract

import (
	"regexp"
	"strings"
)

// Bidi marks, zero-width characters and BOMs break both chunk boundaries
// and lexical tokenization, so they are stripped up front.
var (
	bidiAndZeroWidth = regexp.MustCompile("[\u200e\u200f\u202a-\u202e\u2066-\u2069\u200b\u200c\u200d\ufeff]")
	hyphenBreak      = regexp.MustCompile(`(\pL)-\n(\pL)`)
	multiSpace       = regexp.MustCompile(`[ \t]+`)
	multiNewline     = regexp.MustCompile(`\n{3,}`)
)

// CleanText is the unified cleanup applied to every extracted document
// before chunking: control-character stripping, newline normalization,
// hyphenation repair, and whitespace collapsing.
func CleanText(text string) string {
	if text == "" {
		return ""
	}
	text = bidiAndZeroWidth.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = hyphenBreak.ReplaceAllString(text, "$1$2")
	text = multiSpace.ReplaceAllString(text, " ")
	text = multiNewline.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
