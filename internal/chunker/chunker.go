// Package chunker splits extracted document text into bounded, overlapping
// chunks with deterministic, content-addressable identifiers.
//
// Two modes exist. "smart" builds logical blocks (paragraphs, headings,
// bullets) and assembles them into word-bounded chunks, splitting early at
// headings and at topic shifts detected by bag-of-words cosine cohesion.
// "simple" is a plain character window with overlap and serves as the
// fallback when the text has no usable structure. Both are pure functions
// of (text, config): the same input always yields the same boundaries.
package chunker

import (
	"math"
	"regexp"
	"strings"

	"github.com/verdict-systems/kbengine/pkg/types"
)

// Config controls chunk boundaries. The zero value is not useful; use
// DefaultConfig and override as needed.
type Config struct {
	Mode string // "smart" or "simple"

	// simple mode
	MaxChars int
	Overlap  int

	// smart mode
	MinWords        int
	MaxWords        int
	BreakThreshold  float64 // lower means more splits; 0 disables cohesion splits
	RespectHeadings bool
	KeepBullets     bool

	// hard safety limit applied to every produced chunk
	EmbedMaxChars    int
	HardSplitOverlap int

	// lexical token extraction
	LexMaxTokens int
}

// DefaultConfig returns the production chunking parameters.
func DefaultConfig() Config {
	return Config{
		Mode:             "smart",
		MaxChars:         400,
		Overlap:          100,
		MinWords:         60,
		MaxWords:         180,
		BreakThreshold:   0.20,
		RespectHeadings:  true,
		KeepBullets:      true,
		EmbedMaxChars:    6000,
		HardSplitOverlap: 200,
		LexMaxTokens:     80,
	}
}

// TitleWords is how many leading words form a chunk's title snippet.
const TitleWords = 12

var (
	headingRe = regexp.MustCompile(`(?i)^((?:פרק|סעיף|נספח|כותרת)\s*\d+[.)]?|(?:chapter|section|appendix)\s*\d+[.)]?|[A-Z][A-Z0-9\s\-]{3,})\s*[:\-–—]?\s*$`)
	bulletRe  = regexp.MustCompile(`^([•\-–—*]|\(?\d{1,3}\)?[.)]|\(?[א-ת]{1,3}\)?[.)]|\(?[a-zA-Z]{1,3}\)?[.)])\s+`)
	wordRe    = regexp.MustCompile(`[A-Za-z0-9\x{0590}-\x{05FF}]+`)
)

// isHeading reports whether a line looks like a document heading: short,
// no trailing period, matching the heading patterns.
func isHeading(line string) bool {
	if line == "" || len(line) > 120 || strings.HasSuffix(line, ".") {
		return false
	}
	return headingRe.MatchString(line)
}

func isBullet(line string) bool {
	return bulletRe.MatchString(line)
}

// words lowercases text and extracts alphanumeric and Hebrew tokens.
func words(text string) []string {
	return wordRe.FindAllString(strings.ToLower(text), -1)
}

func bagOfWords(ws []string) map[string]int {
	bow := make(map[string]int, len(ws))
	for _, w := range ws {
		bow[w]++
	}
	return bow
}

// bowCosine is the cosine similarity of two bag-of-words vectors, used as
// a cheap topic-cohesion signal between a growing chunk and the next block.
func bowCosine(a, b map[string]int) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for k, v := range a {
		if w, ok := b[k]; ok {
			dot += float64(v * w)
		}
		na += float64(v * v)
	}
	for _, v := range b {
		nb += float64(v * v)
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// paragraphize converts raw text into logical blocks: headings start new
// blocks, bullets can be kept as separate blocks, blank lines create
// paragraph boundaries.
func paragraphize(text string, respectHeadings, keepBullets bool) []string {
	if text == "" {
		return nil
	}

	var blocks []string
	var buf []string
	flush := func() {
		if len(buf) > 0 {
			blocks = append(blocks, strings.TrimSpace(strings.Join(buf, " ")))
			buf = nil
		}
	}

	for _, ln := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(ln)
		if trimmed == "" {
			flush()
			continue
		}
		if respectHeadings && isHeading(trimmed) {
			flush()
			blocks = append(blocks, trimmed)
			continue
		}
		if keepBullets && isBullet(trimmed) {
			flush()
			blocks = append(blocks, trimmed)
			continue
		}
		buf = append(buf, trimmed)
	}
	flush()

	out := blocks[:0]
	for _, b := range blocks {
		if b != "" {
			out = append(out, b)
		}
	}
	return out
}

// splitSimple is character-window chunking with overlap, the fallback for
// unstructured text.
func splitSimple(text string, maxChars, overlap int) []string {
	flat := strings.Join(strings.Fields(text), " ")
	if flat == "" {
		return nil
	}
	if maxChars < 50 {
		maxChars = 50
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap > maxChars-1 {
		overlap = maxChars - 1
	}

	runes := []rune(flat)
	n := len(runes)
	var out []string
	for i := 0; i < n; {
		end := i + maxChars
		if end > n {
			end = n
		}
		piece := strings.TrimSpace(string(runes[i:end]))
		if piece != "" {
			out = append(out, piece)
		}
		if end >= n {
			break
		}
		i = end - overlap
	}
	return out
}

// splitSmart is the structure-aware mode: blocks assembled into chunks of
// MinWords..MaxWords, with heading, cohesion, and size-based splits.
func splitSmart(text string, cfg Config) []string {
	blocks := paragraphize(text, cfg.RespectHeadings, cfg.KeepBullets)
	if len(blocks) == 0 {
		return nil
	}

	minW := cfg.MinWords
	if minW < 20 {
		minW = 20
	}
	maxW := cfg.MaxWords
	if maxW < minW+20 {
		maxW = minW + 20
	}
	thr := cfg.BreakThreshold

	var chunks []string
	var curBlocks []string
	curWC := 0
	curBow := map[string]int{}

	flush := func() {
		if len(curBlocks) > 0 {
			chunks = append(chunks, strings.TrimSpace(strings.Join(curBlocks, " ")))
		}
		curBlocks = nil
		curWC = 0
		curBow = map[string]int{}
	}

	for _, b := range blocks {
		bWords := words(b)
		bBow := bagOfWords(bWords)

		// Split before a heading once there is enough accumulated content.
		if cfg.RespectHeadings && isHeading(b) && curWC >= minW {
			flush()
		}

		// Topic shift: the next block barely overlaps the running chunk.
		if thr > 0 && curWC >= minW && len(curBow) > 0 {
			if bowCosine(curBow, bBow) < thr {
				flush()
			}
		}

		if curWC > 0 && curWC+len(bWords) > maxW {
			flush()
		}

		curBlocks = append(curBlocks, b)
		curWC += len(bWords)
		for w, c := range bBow {
			curBow[w] += c
		}

		// A single oversized block: hard split by words.
		if float64(curWC) > float64(maxW)*1.5 {
			big := strings.TrimSpace(strings.Join(curBlocks, " "))
			ws := words(big)
			curBlocks, curWC, curBow = nil, 0, map[string]int{}
			for i := 0; i < len(ws); i += maxW {
				end := i + maxW
				if end > len(ws) {
					end = len(ws)
				}
				part := strings.TrimSpace(strings.Join(ws[i:end], " "))
				if part != "" {
					chunks = append(chunks, part)
				}
			}
		}
	}
	flush()

	// Merge super-tiny trailing chunks forward so retrieval units stay
	// meaningful.
	tiny := minW / 5
	if tiny < 12 {
		tiny = 12
	}
	var cleaned []string
	for _, c := range chunks {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if len(cleaned) > 0 && len(words(c)) < tiny {
			cleaned[len(cleaned)-1] = strings.TrimSpace(cleaned[len(cleaned)-1] + " " + c)
		} else {
			cleaned = append(cleaned, c)
		}
	}
	return cleaned
}

// Split turns text into chunk texts according to cfg. Smart mode falls
// back to simple mode when the text produces no blocks.
func Split(text string, cfg Config) []string {
	if strings.ToLower(cfg.Mode) == "simple" {
		return splitSimple(text, cfg.MaxChars, cfg.Overlap)
	}
	if out := splitSmart(text, cfg); len(out) > 0 {
		return out
	}
	return splitSimple(text, cfg.MaxChars, cfg.Overlap)
}

// SplitForEmbedding is Split plus the hard character safety net: any chunk
// longer than EmbedMaxChars is re-split at line/space boundaries so no
// single text can blow the provider's token limit outright.
func SplitForEmbedding(text string, cfg Config) []string {
	base := Split(text, cfg)
	maxChars := cfg.EmbedMaxChars
	if maxChars <= 0 {
		return base
	}

	var final []string
	for _, c := range base {
		if len([]rune(c)) <= maxChars {
			final = append(final, c)
			continue
		}
		final = append(final, HardSplit(c, maxChars, cfg.HardSplitOverlap)...)
	}
	return final
}

// HardSplit splits an oversized chunk into pieces of at most maxChars,
// preferring to cut at a newline or space in the last 30% of the window.
func HardSplit(text string, maxChars, overlap int) []string {
	t := strings.TrimSpace(text)
	if t == "" {
		return nil
	}
	if maxChars < 200 {
		maxChars = 200
	}
	if overlap < 0 {
		overlap = 0
	}
	runes := []rune(t)
	n := len(runes)
	if n <= maxChars {
		return []string{t}
	}

	var parts []string
	start := 0
	for start < n {
		end := start + maxChars
		if end > n {
			end = n
		}
		cut := end
		if end < n {
			window := runes[start:end]
			best := -1
			for i := len(window) - 1; i >= 0; i-- {
				if window[i] == '\n' || window[i] == ' ' {
					best = i
					break
				}
			}
			if best > int(0.7*float64(len(window))) {
				cut = start + best
			}
		}

		piece := strings.TrimSpace(string(runes[start:cut]))
		if piece != "" {
			parts = append(parts, piece)
		}
		if cut >= n {
			break
		}
		next := cut - overlap
		if next <= start {
			next = cut
			if next <= start {
				next = start + 1
			}
		}
		start = next
	}
	return parts
}

// ChunkDocument produces the ordered Chunk records for one document. docID
// is the owning document's fingerprint; sourcePath its inbox-relative path.
// Returns ErrChunking when the cleaned text yields no chunks.
func ChunkDocument(sourcePath, docID, text string, cfg Config) ([]types.Chunk, error) {
	pieces := SplitForEmbedding(text, cfg)
	if len(pieces) == 0 {
		return nil, types.ErrChunking
	}

	chunks := make([]types.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		hash := types.ContentHash(piece)
		chunks = append(chunks, types.Chunk{
			ChunkID:    types.MakeChunkID(sourcePath, i, hash),
			DocID:      docID,
			SourcePath: sourcePath,
			Ordinal:    i,
			Title:      titleSnippet(piece),
			Text:       piece,
			CharLength: len([]rune(piece)),
			LexTokens:  LexTokens(piece, cfg.LexMaxTokens),
		})
	}
	return chunks, nil
}

func titleSnippet(text string) string {
	fields := strings.Fields(text)
	if len(fields) > TitleWords {
		fields = fields[:TitleWords]
	}
	return strings.Join(fields, " ")
}
