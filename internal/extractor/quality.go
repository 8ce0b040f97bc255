package extractor

import (
	"regexp"
	"strings"
)

var (
	atxHeadingRe = regexp.MustCompile(`(?m)^#{1,6} `)
	codeFenceRe  = regexp.MustCompile("(?m)^```")
)

var docKeywords = []string{"api", "documentation", "guide", "tutorial"}

// Score rates extracted Markdown 0-100. Headings, code fences, length
// and documentation keywords all add points; the total is capped.
func Score(markdown string) int {
	if markdown == "" {
		return 0
	}

	score := 0
	if atxHeadingRe.MatchString(markdown) {
		score += 15
	}

	// Fence markers come in open/close pairs
	codeBlocks := len(codeFenceRe.FindAllString(markdown, -1)) / 2
	if codeBlocks > 0 {
		score += 15
	}

	if len(markdown) > 1000 {
		score += 10
	}
	if len(markdown) > 5000 {
		score += 15
	}

	bonus := codeBlocks * 5
	if bonus > 20 {
		bonus = 20
	}
	score += bonus

	lower := strings.ToLower(markdown)
	for _, kw := range docKeywords {
		if strings.Contains(lower, kw) {
			score += 5
		}
	}

	if score > 100 {
		score = 100
	}
	return score
}
