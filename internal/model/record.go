package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Top-level keys of the metadata record
const (
	KeyVersion                 = "_version"
	KeyTitle                   = "title"
	KeyDescription             = "description"
	KeyDimensions              = "dimensions"
	KeyLive                    = "live"
	KeyActiveVariants          = "active_variants"
	KeyVariants                = "variants"
	KeyRegenerationStatus      = "variant_regeneration_status"
	KeyRegenerationStartedAt   = "variant_regeneration_started_at"
	KeyRegenerationCompletedAt = "variant_regeneration_completed_at"
	KeyCornersUsed             = "corners_used"
	KeyCornersDetected         = "corners_detected"
	KeyOffsetPercent           = "offset_percent"
	KeyFormFields              = "fields"
)

// Sub-record field names shared by task and variant records
const (
	FieldStatus           = "status"
	FieldStartedAt        = "started_at"
	FieldCompletedAt      = "completed_at"
	FieldPredictionURL    = "prediction_url"
	FieldPredictionID     = "prediction_id"
	FieldPredictionStatus = "prediction_status"
	FieldAttempts         = "attempts"
	FieldLeaseOwner       = "lease_owner"
	FieldLeaseExpiresAt   = "lease_expires_at"
	FieldError            = "error"
	FieldTargetPath       = "target_path"
	FieldRegenerate       = "regenerate"
)

// Record is the decoded metadata document of one item.
type Record map[string]any

// TaskRecord is the typed view of a task sub-record.
type TaskRecord struct {
	Status           TaskStatus `mapstructure:"status" json:"status"`
	StartedAt        *time.Time `mapstructure:"started_at" json:"started_at,omitempty"`
	CompletedAt      *time.Time `mapstructure:"completed_at" json:"completed_at,omitempty"`
	PredictionURL    string     `mapstructure:"prediction_url" json:"prediction_url,omitempty"`
	PredictionID     string     `mapstructure:"prediction_id" json:"prediction_id,omitempty"`
	PredictionStatus string     `mapstructure:"prediction_status" json:"prediction_status,omitempty"`
	Attempts         int        `mapstructure:"attempts" json:"attempts,omitempty"`
	LeaseOwner       string     `mapstructure:"lease_owner" json:"lease_owner,omitempty"`
	LeaseExpiresAt   *time.Time `mapstructure:"lease_expires_at" json:"lease_expires_at,omitempty"`
	Error            string     `mapstructure:"error" json:"error,omitempty"`
}

// VariantRecord is one entry of the variants map.
type VariantRecord struct {
	TaskRecord `mapstructure:",squash"`
	TargetPath string `mapstructure:"target_path" json:"target_path,omitempty"`
	Regenerate bool   `mapstructure:"regenerate" json:"regenerate,omitempty"`
}

// Version returns the optimistic concurrency counter of the record.
func (r Record) Version() int64 {
	switch v := r[KeyVersion].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// Get resolves a dotted path.
func (r Record) Get(path string) (any, bool) {
	var cur any = map[string]any(r)
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Task decodes the sub-record for a task type. A missing sub-record yields
// StatusAbsent.
func (r Record) Task(t TaskType) (TaskRecord, error) {
	return r.TaskAt(string(t))
}

// TaskAt decodes the sub-record at a dotted prefix such as "variants.room".
func (r Record) TaskAt(prefix string) (TaskRecord, error) {
	v, _ := r.Get(prefix)
	raw, ok := v.(map[string]any)
	if !ok {
		return TaskRecord{Status: StatusAbsent}, nil
	}
	var tr TaskRecord
	if err := decode(raw, &tr); err != nil {
		return TaskRecord{}, fmt.Errorf("decode %s: %w", prefix, err)
	}
	if tr.Status == "" {
		tr.Status = StatusAbsent
	}
	return tr, nil
}

// Variants decodes every entry of the variants map.
func (r Record) Variants() (map[string]VariantRecord, error) {
	out := make(map[string]VariantRecord)
	raw, ok := r[KeyVariants].(map[string]any)
	if !ok {
		return out, nil
	}
	for name, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		var vr VariantRecord
		if err := decode(m, &vr); err != nil {
			return nil, fmt.Errorf("decode variant %s: %w", name, err)
		}
		if vr.Status == "" {
			vr.Status = StatusAbsent
		}
		out[name] = vr
	}
	return out, nil
}

// VariantNames returns the keys of the variants map in sorted order.
func (r Record) VariantNames() []string {
	raw, _ := r[KeyVariants].(map[string]any)
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActiveVariants returns the ordered list of variant names the item should have.
func (r Record) ActiveVariants() []string {
	raw, _ := r[KeyActiveVariants].([]any)
	names := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok || s == "" || seen[s] {
			continue
		}
		seen[s] = true
		names = append(names, s)
	}
	return names
}

// RegenerationStatus returns the status of the variant regeneration request.
func (r Record) RegenerationStatus() TaskStatus {
	s, _ := r[KeyRegenerationStatus].(string)
	if s == "" {
		return StatusAbsent
	}
	return TaskStatus(s)
}

// TaskPath joins a sub-record prefix and a field into a dotted path.
func TaskPath(prefix, field string) string {
	return prefix + "." + field
}

// VariantPrefix is the dotted prefix of a variant record.
func VariantPrefix(name string) string {
	return KeyVariants + "." + name
}

// FormatTime renders timestamps the way they are persisted.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decode(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
