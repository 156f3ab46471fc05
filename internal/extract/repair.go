package extract

import (
	"regexp"
	"strings"
)

type repairPass struct {
	pattern     *regexp.Regexp
	replacement string
}

// ""top-left"" -> "top-left"
var doubledQuotes = repairPass{regexp.MustCompile(`""([^",:{}\[\]\s][^",:{}\[\]]*)""`), `"$1"`}

// Passes run in order on the text between string literals, so answers
// such as "Opus 3 . 5" keep their wording.
var repairPasses = []repairPass{
	// "12 . 5" and "12 .5" -> "12.5"
	{regexp.MustCompile(`(\d)[ \t]+\.[ \t]*(\d)`), "$1.$2"},
	// "12. 5" -> "12.5"
	{regexp.MustCompile(`(\d)\.[ \t]+(\d)`), "$1.$2"},
	// trailing commas before a closer
	{regexp.MustCompile(`,(\s*[}\]])`), "$1"},
}

// Repair applies the fixed numeric and quoting repair pipeline.
func Repair(s string) string {
	s = doubledQuotes.pattern.ReplaceAllString(s, doubledQuotes.replacement)

	var b strings.Builder
	b.Grow(len(s))
	start, inString, escaped := 0, false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inString && escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"' && inString:
			b.WriteString(s[start : i+1])
			start, inString = i+1, false
		case c == '"':
			b.WriteString(repairBare(s[start:i]))
			start, inString = i, true
		}
	}
	if inString {
		b.WriteString(s[start:])
	} else {
		b.WriteString(repairBare(s[start:]))
	}
	return b.String()
}

func repairBare(s string) string {
	for _, p := range repairPasses {
		s = p.pattern.ReplaceAllString(s, p.replacement)
	}
	return s
}
