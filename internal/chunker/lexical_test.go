package chunker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLexTokens_Basic(t *testing.T) {
	tokens := LexTokens("The Contract defines payment terms and the penalty clause.", 80)
	assert.Equal(t, []string{"contract", "defines", "payment", "terms", "penalty", "clause"}, tokens)
}

func TestLexTokens_StripsURLsAndEmails(t *testing.T) {
	tokens := LexTokens("contact legal@example.com or https://example.com/terms for details", 80)
	assert.NotContains(t, tokens, "legal@example.com")
	assert.NotContains(t, tokens, "https://example.com/terms")
	assert.Contains(t, tokens, "contact")
	assert.Contains(t, tokens, "details")
}

func TestLexTokens_DedupAndCap(t *testing.T) {
	tokens := LexTokens("alpha beta alpha gamma beta delta", 3)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, tokens)
}

func TestLexTokens_DropsShortNumbersKeepsLong(t *testing.T) {
	tokens := LexTokens("clause 42 of year 2024", 80)
	assert.NotContains(t, tokens, "42")
	assert.Contains(t, tokens, "2024")
}

func TestLexTokens_Hebrew(t *testing.T) {
	tokens := LexTokens("החוזה של הצדדים קובע תנאי תשלום", 80)
	assert.Contains(t, tokens, "החוזה")
	assert.NotContains(t, tokens, "של")
}

func TestLexTokens_Empty(t *testing.T) {
	assert.Nil(t, LexTokens("", 80))
	assert.Empty(t, LexTokens("a 1 99 x", 80))
}
