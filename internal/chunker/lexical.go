package chunker

import (
	"regexp"
	"strings"
)

var (
	emailRe   = regexp.MustCompile(`(?i)\b[\w.\-+]+@[\w.\-]+\.\w+\b`)
	urlRe     = regexp.MustCompile(`(?i)\bhttps?://\S+\b|\bwww\.\S+\b`)
	nonWordRe = regexp.MustCompile(`[^\w\x{0590}-\x{05FF}]+`)
)

// stopwords excluded from lexical tokens. A small mixed Hebrew/English set;
// the lexical channel tolerates false negatives far better than noise.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "was": true, "with": true,
	"this": true, "that": true, "have": true, "from": true, "they": true,
	"will": true, "what": true, "when": true, "which": true, "there": true,
	"של": true, "על": true, "את": true, "לא": true, "כי": true,
	"או": true, "גם": true, "אם": true, "כל": true, "הוא": true,
	"היא": true, "זה": true, "אל": true, "עם": true, "אשר": true,
}

// LexTokens extracts up to maxTokens deduplicated lexical tokens from text
// for the BM25 channel: lowercased, URLs and emails stripped, stopwords and
// short numbers removed, first-seen order preserved.
func LexTokens(text string, maxTokens int) []string {
	if text == "" {
		return nil
	}
	if maxTokens <= 0 {
		maxTokens = 80
	}

	t := strings.ToLower(text)
	t = emailRe.ReplaceAllString(t, " ")
	t = urlRe.ReplaceAllString(t, " ")
	t = nonWordRe.ReplaceAllString(t, " ")

	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.Fields(t) {
		if len([]rune(w)) < 2 {
			continue
		}
		if stopwords[w] {
			continue
		}
		if isShortNumber(w) {
			continue
		}
		if seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) >= maxTokens {
			break
		}
	}
	return out
}

// isShortNumber reports purely numeric tokens shorter than three digits,
// which carry no retrieval signal.
func isShortNumber(w string) bool {
	if len(w) >= 3 {
		return false
	}
	for _, r := range w {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
