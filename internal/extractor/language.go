package extractor

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// knownLanguages is the closed set of fence info strings we emit.
var knownLanguages = map[string]bool{
	"javascript": true, "js": true,
	"typescript": true, "ts": true,
	"python": true, "py": true,
	"java": true,
	"c":    true, "cpp": true, "cs": true,
	"ruby": true, "rb": true,
	"php":  true,
	"go":   true,
	"rust": true, "rs": true,
	"html": true, "css": true,
	"sql":   true,
	"shell": true, "bash": true, "sh": true,
	"json": true,
	"yaml": true, "yml": true,
	"xml":      true,
	"markdown": true, "md": true,
}

var classPrefixes = []string{"language-", "lang-", "prism-", "highlight-", "code-"}

var dataAttrs = []string{"data-language", "data-lang", "data-code-language"}

// DetectLanguage resolves the language of a code block. Explicit class
// and data-attribute hints win over content heuristics; anything
// outside the known set is dropped.
func DetectLanguage(pre, code *goquery.Selection, content string) string {
	for _, sel := range []*goquery.Selection{code, pre} {
		if sel == nil || sel.Length() == 0 {
			continue
		}
		if lang := languageFromClass(sel.AttrOr("class", "")); lang != "" {
			return lang
		}
	}
	for _, sel := range []*goquery.Selection{code, pre} {
		if sel == nil || sel.Length() == 0 {
			continue
		}
		for _, attr := range dataAttrs {
			if v, ok := sel.Attr(attr); ok {
				if lang := normalizeLanguage(v); lang != "" {
					return lang
				}
			}
		}
	}
	return guessLanguage(content)
}

func languageFromClass(class string) string {
	for _, token := range strings.Fields(class) {
		for _, prefix := range classPrefixes {
			if strings.HasPrefix(token, prefix) {
				if lang := normalizeLanguage(strings.TrimPrefix(token, prefix)); lang != "" {
					return lang
				}
			}
		}
	}
	return ""
}

func normalizeLanguage(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if knownLanguages[s] {
		return s
	}
	return ""
}

var (
	pythonRe     = regexp.MustCompile(`(?m)^\s*(def |import |from \w+ import |if __name__ == ["']__main__["'])`)
	javascriptRe = regexp.MustCompile(`(?m)(\bconst\b|\blet\b|\bvar\b|\bfunction\b|=>)`)
	typescriptRe = regexp.MustCompile(`(?m)(\binterface\s+\w+|\btype\s+\w+\s*=|\bnamespace\s+\w+|:\s*(string|number|boolean)\b)`)
	javaRe       = regexp.MustCompile(`(?m)\b(public|private|protected)\s+(static\s+)?(class|void|\w+\s+\w+\s*\()`)
	rubyRe       = regexp.MustCompile(`(?m)^\s*(def\s+\w+|end\s*$|module\s+\w+|require ["'])`)
	phpRe        = regexp.MustCompile(`(<\?php|\$\w+\s*=)`)
	htmlRe       = regexp.MustCompile(`</?[a-zA-Z][a-zA-Z0-9-]*( [^>]*)?>`)
	cssRe        = regexp.MustCompile(`(?m)^[.#]?[\w-]+\s*\{`)
	sqlRe        = regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE)\b.*\b(FROM|INTO|SET|WHERE)\b`)
	shellRe      = regexp.MustCompile(`(?m)(^#!/|\b(sudo|apt-get|yum|brew|chmod|chown)\b)`)
)

// guessLanguage applies content heuristics in a fixed order; the first
// match wins, unknown content gets no tag.
func guessLanguage(content string) string {
	switch {
	case pythonRe.MatchString(content):
		return "python"
	case javascriptRe.MatchString(content):
		return "javascript"
	case typescriptRe.MatchString(content):
		return "typescript"
	case javaRe.MatchString(content):
		return "java"
	case rubyRe.MatchString(content):
		return "ruby"
	case phpRe.MatchString(content):
		return "php"
	case htmlRe.MatchString(content):
		return "html"
	case cssRe.MatchString(content):
		return "css"
	case sqlRe.MatchString(content):
		return "sql"
	case shellRe.MatchString(content):
		return "shell"
	}
	return ""
}
