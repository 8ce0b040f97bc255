package extractor

import (
	"strings"
	"testing"
)

func TestScoreEmpty(t *testing.T) {
	if got := Score(""); got != 0 {
		t.Errorf("Score(\"\") = %d, want 0", got)
	}
}

func TestScoreHeadingAndFence(t *testing.T) {
	md := "# Title\n\nSome text.\n\n```go\nfunc main() {}\n```\n"
	// +15 heading, +15 fence, +5 one code block
	if got := Score(md); got != 35 {
		t.Errorf("Score = %d, want 35", got)
	}
}

func TestScoreLengthTiers(t *testing.T) {
	short := "plain text with no structure"
	if got := Score(short); got != 0 {
		t.Errorf("short score = %d, want 0", got)
	}

	medium := strings.Repeat("word ", 250) // > 1000 chars
	if got := Score(medium); got != 10 {
		t.Errorf("medium score = %d, want 10", got)
	}

	long := strings.Repeat("word ", 1100) // > 5000 chars
	if got := Score(long); got != 25 {
		t.Errorf("long score = %d, want 25", got)
	}
}

func TestScoreCodeBlockBonusCapped(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("# Title\n\n")
	for i := 0; i < 10; i++ {
		sb.WriteString("```\ncode\n```\n\n")
	}
	md := sb.String()
	// +15 heading, +15 fence, +20 capped block bonus
	if got := Score(md); got != 50 {
		t.Errorf("Score = %d, want 50", got)
	}
}

func TestScoreKeywords(t *testing.T) {
	md := "This guide covers the API. See the documentation and tutorial."
	// +5 each for api, documentation, guide, tutorial
	if got := Score(md); got != 20 {
		t.Errorf("Score = %d, want 20", got)
	}
}

func TestScoreCap(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("# API Documentation Guide Tutorial\n\n")
	sb.WriteString(strings.Repeat("word ", 1200))
	for i := 0; i < 10; i++ {
		sb.WriteString("\n```\ncode\n```\n")
	}
	got := Score(sb.String())
	// 15+15+10+15+20+20 = 95, under the cap
	if got != 95 {
		t.Errorf("Score = %d, want 95", got)
	}
	if got > 100 {
		t.Errorf("Score must never exceed 100, got %d", got)
	}
}
