package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/artstudio/pipeline/internal/model"
)

type deleteMarker struct{}

// Delete removes the key at a path when used as an update value.
var Delete = deleteMarker{}

func normalizeUpdates(updates map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(updates))
	for path, value := range updates {
		if err := validatePath(path); err != nil {
			return nil, err
		}
		v, err := normalizeValue(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value for %s: %w", path, err)
		}
		out[path] = v
	}
	return out, nil
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, key := range strings.Split(path, ".") {
		if key == "" {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	if path == model.KeyVersion || strings.HasPrefix(path, model.KeyVersion+".") {
		return fmt.Errorf("%w: %s is managed by the store", ErrInvalidPath, model.KeyVersion)
	}
	return nil
}

// normalizeValue brings a value into the shape encoding/json produces when
// the record is read back, so comparisons against the stored record hold.
func normalizeValue(v any) (any, error) {
	switch tv := v.(type) {
	case deleteMarker:
		return tv, nil
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, x := range tv {
			n, err := normalizeValue(x)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func applyUpdate(doc map[string]any, path string, value any, replace bool) error {
	keys := strings.Split(path, ".")
	cur := doc
	for _, key := range keys[:len(keys)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			if _, isDelete := value.(deleteMarker); isDelete {
				return nil
			}
			next = make(map[string]any)
			cur[key] = next
		}
		cur = next
	}
	last := keys[len(keys)-1]

	if _, isDelete := value.(deleteMarker); isDelete {
		delete(cur, last)
		return nil
	}

	incoming, isMap := value.(map[string]any)
	existing, hadMap := cur[last].(map[string]any)
	if isMap && hadMap && !replace {
		merged := make(map[string]any, len(existing)+len(incoming))
		for k, v := range existing {
			merged[k] = v
		}
		for k, v := range incoming {
			if _, isDelete := v.(deleteMarker); isDelete {
				delete(merged, k)
				continue
			}
			merged[k] = stripDeletes(v)
		}
		cur[last] = merged
		return nil
	}

	cur[last] = stripDeletes(value)
	return nil
}

func stripDeletes(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, x := range m {
		if _, isDelete := x.(deleteMarker); isDelete {
			continue
		}
		out[k] = stripDeletes(x)
	}
	return out
}

func deepCopy(rec model.Record) model.Record {
	out := make(model.Record, len(rec))
	for k, v := range rec {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, x := range tv {
			out[k] = copyValue(x)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, x := range tv {
			out[i] = copyValue(x)
		}
		return out
	}
	return v
}
