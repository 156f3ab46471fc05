// Package extract recovers a JSON object from free-form model output.
//
// Model answers arrive wrapped in prose, Markdown fences or with small
// formatting defects. Extraction runs an ordered list of strategies, each a
// pure function from text to a candidate JSON span; every candidate goes
// through the same repair pipeline and the caller's validator, and the first
// candidate that survives wins.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RawLimit caps the raw input carried by a failed result.
const RawLimit = 1000

var (
	ErrEmptyInput  = errors.New("empty model output")
	ErrNoCandidate = errors.New("no JSON object found in model output")
	ErrNoJSON      = errors.New("model output did not contain valid JSON")
)

// Validator checks that a parsed object has what the caller needs.
type Validator func(obj map[string]any) error

// Strategy produces one candidate JSON span from the input text.
type Strategy struct {
	Name string
	Find func(text string) (string, error)
}

// Result is the outcome of an extraction. Exactly one of Value and Err is set.
type Result struct {
	Value    map[string]any
	Strategy string
	// Raw holds the first RawLimit characters of the input when extraction fails.
	Raw string
	Err error
}

func (r Result) OK() bool {
	return r.Err == nil
}

// DefaultStrategies is the order used by Extract.
var DefaultStrategies = []Strategy{
	{Name: "fenced_object", Find: FencedObject},
	{Name: "first_object", Find: FirstObject},
	{Name: "last_object", Find: LastObject},
	{Name: "whole_text", Find: WholeText},
	{Name: "truncated_object", Find: TruncatedObject},
}

// Extract runs DefaultStrategies against text.
func Extract(text string, validate Validator) Result {
	return Run(text, validate, DefaultStrategies)
}

// Run tries each strategy in order. It never panics on malformed input and
// has no side effects.
func Run(text string, validate Validator, strategies []Strategy) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Err: ErrEmptyInput}
	}

	var firstErr error
	seen := make(map[string]bool, len(strategies))
	for _, s := range strategies {
		candidate, err := s.Find(text)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", s.Name, err)
			}
			continue
		}
		if seen[candidate] {
			continue
		}
		seen[candidate] = true

		obj, err := Parse(candidate)
		if err == nil && validate != nil {
			err = validate(obj)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", s.Name, err)
			}
			continue
		}
		return Result{Value: obj, Strategy: s.Name}
	}

	if firstErr == nil {
		firstErr = ErrNoCandidate
	}
	return Result{Raw: truncate(text, RawLimit), Err: firstErr}
}

// Parse repairs a candidate span and decodes it as a JSON object.
func Parse(candidate string) (map[string]any, error) {
	repaired := Repair(candidate)
	var obj map[string]any
	if err := json.Unmarshal([]byte(repaired), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoJSON, err)
	}
	if obj == nil {
		return nil, ErrNoJSON
	}
	return obj, nil
}

// RequireKeys returns a validator that checks for the presence of keys.
func RequireKeys(keys ...string) Validator {
	return func(obj map[string]any) error {
		for _, k := range keys {
			v, ok := obj[k]
			if !ok || v == nil {
				return fmt.Errorf("missing required key %q", k)
			}
		}
		return nil
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
