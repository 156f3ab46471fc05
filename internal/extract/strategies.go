package extract

import (
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*[ \t]*\r?\n?(.*?)```")

// FencedObject takes the body of the first Markdown code fence and returns
// the first balanced object inside it.
func FencedObject(text string) (string, error) {
	m := fencePattern.FindStringSubmatch(text)
	if m == nil {
		return "", ErrNoCandidate
	}
	return FirstObject(m[1])
}

// FirstObject returns the first balanced {...} span, ignoring braces inside
// string literals.
func FirstObject(text string) (string, error) {
	spans := balancedObjects(text, 1)
	if len(spans) == 0 {
		return "", ErrNoCandidate
	}
	return spans[0], nil
}

// LastObject returns the last top-level balanced span. Models that think out
// loud tend to put the final answer last.
func LastObject(text string) (string, error) {
	spans := balancedObjects(text, -1)
	if len(spans) == 0 {
		return "", ErrNoCandidate
	}
	return spans[len(spans)-1], nil
}

// balancedObjects scans for top-level objects. Quotes are only tracked
// inside an object so apostrophes in surrounding prose do not derail it.
func balancedObjects(text string, limit int) []string {
	var spans []string
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				spans = append(spans, text[start:i+1])
				if limit > 0 && len(spans) >= limit {
					return spans
				}
				start = -1
			}
		}
	}
	return spans
}

// WholeText hands the entire input to the repair pipeline.
func WholeText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyInput
	}
	return trimmed, nil
}

// TruncatedObject closes an object that was cut off mid-stream, dropping a
// dangling partial token.
func TruncatedObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", ErrNoCandidate
	}
	body := text[start:]

	var stack []byte
	inString := false
	escaped := false
	lastSafe, safeDepth := 0, 0
	for i := 0; i < len(body); i++ {
		ch := body[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 {
				return "", ErrNoCandidate
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				// balanced: FirstObject already covers this case
				return "", ErrNoCandidate
			}
			lastSafe, safeDepth = i+1, len(stack)
		case ',':
			lastSafe, safeDepth = i, len(stack)
		}
	}
	if len(stack) == 0 || lastSafe == 0 {
		return "", ErrNoCandidate
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(body[:lastSafe], " \t\r\n,"))
	for i := safeDepth - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String(), nil
}
