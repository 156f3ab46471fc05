package service

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/artstudio/pipeline/internal/client"
	"github.com/artstudio/pipeline/internal/model"
	"github.com/artstudio/pipeline/internal/store"
	"github.com/artstudio/pipeline/internal/taskstate"
)

// VariantDir is the item subdirectory holding variant artifacts.
const VariantDir = "variants"

// Fetcher downloads a finished artifact.
type Fetcher interface {
	Download(ctx context.Context, url, dest string) (int64, error)
}

// Orphan is a variant that is no longer in active_variants but still has an
// artifact file, a record, or both.
type Orphan struct {
	Name      string
	Path      string
	HasRecord bool
}

// VariantCandidate is the variant unit chosen for this cycle.
type VariantCandidate struct {
	Name   string
	Task   model.TaskType
	Action taskstate.Action
}

// VariantPlan is the variant phase of one item, worked out without side
// effects.
type VariantPlan struct {
	Missing            []string
	Orphans            []Orphan
	Busy               []string
	Failed             []string
	Candidate          *VariantCandidate
	StartRegeneration  bool
	FinishRegeneration bool
}

// VariantService generates, regenerates and cleans up variant images.
type VariantService struct {
	lifecycle *Lifecycle
	store     store.Store
	images    *ImageInspector
	catalog   *VariantCatalog
	fetcher   Fetcher
	mirror    client.Mirror
	model     string
	logger    *zap.Logger
	now       func() time.Time
}

// NewVariantService wires the variant phase. mirror may be nil.
func NewVariantService(lc *Lifecycle, st store.Store, images *ImageInspector, catalog *VariantCatalog,
	fetcher Fetcher, mirror client.Mirror, modelVersion string, logger *zap.Logger) *VariantService {
	return &VariantService{
		lifecycle: lc,
		store:     st,
		images:    images,
		catalog:   catalog,
		fetcher:   fetcher,
		mirror:    mirror,
		model:     modelVersion,
		logger:    logger.Named("variants"),
		now:       time.Now,
	}
}

func (s *VariantService) Catalog() *VariantCatalog {
	return s.catalog
}

// ArtifactPath is where a variant image lands.
func (s *VariantService) ArtifactPath(item, name string) string {
	ext := ".png"
	if t, ok := s.catalog.Lookup(name); ok {
		ext = t.Ext()
	}
	return filepath.Join(s.store.ItemDir(item), VariantDir, name+ext)
}

// Plan inspects the record and the variants directory of an item.
func (s *VariantService) Plan(item string, rec model.Record, now time.Time) (VariantPlan, error) {
	var plan VariantPlan
	machine := s.lifecycle.Machine()

	active := rec.ActiveVariants()
	isActive := make(map[string]bool, len(active))
	for _, name := range active {
		isActive[name] = true
	}

	records, err := rec.Variants()
	if err != nil {
		return plan, err
	}
	state := func(name string) model.VariantRecord {
		vr, ok := records[name]
		if !ok {
			vr.Status = model.StatusAbsent
		}
		return vr
	}

	present, files, err := s.artifacts(item)
	if err != nil {
		return plan, err
	}

	orphans := make(map[string]*Orphan)
	var orphanNames []string
	addOrphan := func(name string) *Orphan {
		if o, ok := orphans[name]; ok {
			return o
		}
		orphans[name] = &Orphan{Name: name}
		orphanNames = append(orphanNames, name)
		return orphans[name]
	}
	for _, f := range files {
		if !isActive[f.name] {
			addOrphan(f.name).Path = f.path
		}
	}
	for _, name := range rec.VariantNames() {
		if !isActive[name] {
			addOrphan(name).HasRecord = true
		}
	}
	for _, name := range orphanNames {
		plan.Orphans = append(plan.Orphans, *orphans[name])
	}

	for _, name := range active {
		if !present[name] {
			plan.Missing = append(plan.Missing, name)
		}
	}

	regen := rec.RegenerationStatus()

	if len(plan.Missing) > 0 {
		for _, name := range plan.Missing {
			vr := state(name)
			action := s.decideMissing(vr.TaskRecord, now)
			switch {
			case vr.Status == model.StatusError:
				plan.Failed = append(plan.Failed, name)
			case action == taskstate.ActionWait:
				plan.Busy = append(plan.Busy, name)
			case action.Due() && plan.Candidate == nil:
				plan.Candidate = &VariantCandidate{Name: name, Task: model.TaskVariantGeneration, Action: action}
			}
		}
		return plan, nil
	}

	if regen == model.StatusWanted {
		if len(active) == 0 {
			plan.FinishRegeneration = true
			return plan, nil
		}
		plan.StartRegeneration = true
		plan.Candidate = &VariantCandidate{Name: active[0], Task: model.TaskVariantRegeneration, Action: taskstate.ActionSubmit}
		return plan, nil
	}

	pendingRegen := false
	for _, name := range active {
		vr := state(name)
		if vr.Regenerate {
			pendingRegen = true
		}
		action := machine.Decide(vr.TaskRecord, now)
		switch {
		case vr.Status == model.StatusError:
			plan.Failed = append(plan.Failed, name)
		case action == taskstate.ActionWait:
			plan.Busy = append(plan.Busy, name)
		case action.Due() && plan.Candidate == nil:
			task := model.TaskVariantGeneration
			if vr.Regenerate {
				task = model.TaskVariantRegeneration
			}
			plan.Candidate = &VariantCandidate{Name: name, Task: task, Action: action}
		}
	}
	if regen == model.StatusInProgress && !pendingRegen {
		plan.FinishRegeneration = true
	}
	return plan, nil
}

// decideMissing treats a missing artifact of a finished or never started
// variant as wanted.
func (s *VariantService) decideMissing(vr model.TaskRecord, now time.Time) taskstate.Action {
	switch vr.Status {
	case model.StatusAbsent, model.StatusCompleted:
		return taskstate.ActionSubmit
	}
	return s.lifecycle.Machine().Decide(vr, now)
}

type artifactFile struct {
	name string
	path string
}

func (s *VariantService) artifacts(item string) (map[string]bool, []artifactFile, error) {
	dir := filepath.Join(s.store.ItemDir(item), VariantDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]bool{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list variants: %w", err)
	}
	present := make(map[string]bool)
	var files []artifactFile
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		present[name] = true
		files = append(files, artifactFile{name: name, path: filepath.Join(dir, e.Name())})
	}
	return present, files, nil
}

// Cleanup removes orphaned artifacts and records. Cleanup does not consume
// dispatch budget.
func (s *VariantService) Cleanup(ctx context.Context, item string, orphans []Orphan) []model.UnitResult {
	results := make([]model.UnitResult, 0, len(orphans))
	for _, o := range orphans {
		res := s.removeOrphan(ctx, item, o)
		res.Counted = false
		results = append(results, res)
	}
	return results
}

func (s *VariantService) removeOrphan(ctx context.Context, item string, o Orphan) model.UnitResult {
	if o.Path != "" {
		if err := os.Remove(o.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return model.Errored(item, model.TaskVariantGeneration, model.CodeIOError, err.Error())
		}
		if s.mirror != nil {
			if err := s.mirror.Delete(ctx, client.MirrorKey(item, filepath.Base(o.Path))); err != nil {
				s.logger.Warn("failed to delete mirrored variant", zap.String("item", item), zap.String("variant", o.Name), zap.Error(err))
			}
		}
	}
	if o.HasRecord {
		if err := s.store.Merge(ctx, item, map[string]any{model.VariantPrefix(o.Name): store.Delete}); err != nil {
			return model.Errored(item, model.TaskVariantGeneration, model.CodeIOError, err.Error())
		}
	}
	s.logger.Info("removed orphaned variant", zap.String("item", item), zap.String("variant", o.Name))
	return model.Processed(item, model.TaskVariantGeneration, "orphan_removed:"+o.Name)
}

// StartRegeneration flags every active variant for regeneration.
func (s *VariantService) StartRegeneration(ctx context.Context, item string, rec model.Record) (model.Record, error) {
	now := s.now()
	patch := map[string]any{
		model.KeyRegenerationStatus:    string(model.StatusInProgress),
		model.KeyRegenerationStartedAt: model.FormatTime(now),
	}
	records, err := rec.Variants()
	if err != nil {
		return nil, err
	}
	for _, name := range rec.ActiveVariants() {
		prefix := model.VariantPrefix(name)
		patch[model.TaskPath(prefix, model.FieldRegenerate)] = true
		if records[name].Status == model.StatusInProgress {
			continue
		}
		reset, err := s.lifecycle.Machine().Reset(prefix, records[name].TaskRecord)
		if err != nil {
			return nil, err
		}
		for k, v := range reset {
			patch[k] = v
		}
	}
	version := rec.Version()
	return s.store.ApplyPatch(ctx, item, patch, store.PatchOptions{IfVersion: &version})
}

// FinishRegeneration marks the regeneration request complete.
func (s *VariantService) FinishRegeneration(ctx context.Context, item string) model.UnitResult {
	err := s.store.Merge(ctx, item, map[string]any{
		model.KeyRegenerationStatus:      string(model.StatusCompleted),
		model.KeyRegenerationCompletedAt: model.FormatTime(s.now()),
	})
	if err != nil {
		res := model.Errored(item, model.TaskVariantRegeneration, model.CodeIOError, err.Error())
		res.Counted = false
		return res
	}
	res := model.Processed(item, model.TaskVariantRegeneration, "regeneration_completed")
	res.Counted = false
	return res
}

// Handle dispatches the chosen variant unit.
func (s *VariantService) Handle(ctx context.Context, item string, rec model.Record, c VariantCandidate, owner string) model.UnitResult {
	u, err := NewUnit(item, c.Task, model.VariantPrefix(c.Name), rec, c.Action, owner)
	if err != nil {
		return model.Errored(item, c.Task, model.CodeIOError, err.Error())
	}
	return s.lifecycle.Dispatch(ctx, u, Job{Request: s.request, Finish: s.finish})
}

func (s *VariantService) request(ctx context.Context, u *Unit) (*client.PredictionRequest, error) {
	name := strings.TrimPrefix(u.Prefix, model.KeyVariants+".")
	tmpl, ok := s.catalog.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, name)
	}
	src, err := s.images.SourceImage(s.store.ItemDir(u.Item))
	if err != nil {
		return nil, err
	}
	ref, err := s.images.Reference(u.Item, src)
	if err != nil {
		return nil, err
	}
	input := map[string]any{
		"image":  ref,
		"prompt": tmpl.Prompt,
	}
	if tmpl.Template != "" {
		input["template"] = tmpl.Template
	}
	if cu, ok := u.Record.Get(model.TaskPath(string(model.TaskCornerDetection), model.KeyCornersUsed)); ok {
		input["corners"] = cu
	}
	return &client.PredictionRequest{Version: s.model, Input: input}, nil
}

func (s *VariantService) finish(ctx context.Context, u *Unit, pred *client.Prediction) (map[string]any, error) {
	url := pred.OutputURL()
	if url == "" {
		return nil, malformed("variant: prediction returned no image")
	}
	name := strings.TrimPrefix(u.Prefix, model.KeyVariants+".")
	target := s.ArtifactPath(u.Item, name)

	n, err := s.fetcher.Download(ctx, url, target)
	if err != nil {
		return nil, err
	}

	patch := map[string]any{
		model.TaskPath(u.Prefix, model.FieldTargetPath): target,
		model.TaskPath(u.Prefix, model.FieldRegenerate): false,
		model.TaskPath(u.Prefix, "bytes"):               n,
	}
	if mirrored, ok := s.mirrorArtifact(ctx, u.Item, target); ok {
		patch[model.TaskPath(u.Prefix, "mirror_url")] = mirrored
	}
	return patch, nil
}

func (s *VariantService) mirrorArtifact(ctx context.Context, item, path string) (string, bool) {
	if s.mirror == nil {
		return "", false
	}
	f, err := os.Open(path)
	if err != nil {
		s.logger.Warn("failed to open variant for mirroring", zap.String("path", path), zap.Error(err))
		return "", false
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(path))
	url, err := s.mirror.Upload(ctx, client.MirrorKey(item, filepath.Base(path)), f, contentType)
	if err != nil {
		s.logger.Warn("failed to mirror variant", zap.String("item", item), zap.String("path", path), zap.Error(err))
		return "", false
	}
	return url, true
}
