package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/planpipeline/internal/errkind"
	"github.com/local/planpipeline/internal/events"
	"github.com/local/planpipeline/internal/jobmodel"
)

// ErrAlreadyInitialized is returned by Initialize when the plan already
// exists with a different totalSheets.
var ErrAlreadyInitialized = fmt.Errorf("coordinator: already initialized with a different totalSheets")

// Dispatcher enqueues the next stage's jobs. Implementations adapt the
// underlying stream/queue transport; the coordinator only knows job
// shapes, never transport details.
type Dispatcher interface {
	EnqueueMetadata(ctx context.Context, job jobmodel.MetadataJob) error
	EnqueueCallout(ctx context.Context, job jobmodel.CalloutJob) error
	EnqueueLayout(ctx context.Context, job jobmodel.LayoutJob) error
	EnqueueTiles(ctx context.Context, job jobmodel.TilesJob) error
}

// Emitter commits domain events. Matches events.Emitter's Commit method;
// defined locally so the coordinator depends only on the shape it needs.
type Emitter interface {
	Commit(ctx context.Context, ev events.Event) error
}

// Dependencies wires the coordinator's collaborators, mirroring the
// teacher's Dependencies-struct-of-interfaces DI pattern.
type Dependencies struct {
	Store      Store
	Dispatcher Dispatcher
	Emitter    Emitter
	Log        *zerolog.Logger
	// DefaultTimeout is used when Initialize's timeoutMs is zero.
	DefaultTimeout time.Duration
}

// Coordinator is the addressable-per-planId singleton of spec.md §4.1. It
// serializes concurrent operations on the same planId with a mutex drawn
// from a per-plan map, while operations on different planIds proceed
// concurrently — the in-process half of the actor-per-key design; State
// durability and cross-process consistency are delegated to Store.
type Coordinator struct {
	deps Dependencies

	mu     sync.Mutex // guards the locks and alarms maps
	locks  map[string]*sync.Mutex
	alarms map[string]*time.Timer
}

// New builds a Coordinator. A background timeout alarm is armed per plan
// on Initialize via alarm.go.
func New(deps Dependencies) *Coordinator {
	if deps.DefaultTimeout <= 0 {
		deps.DefaultTimeout = 30 * time.Minute
	}
	return &Coordinator{
		deps:   deps,
		locks:  map[string]*sync.Mutex{},
		alarms: map[string]*time.Timer{},
	}
}

func (c *Coordinator) lockFor(planID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[planID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[planID] = l
	}
	return l
}

// withPlan loads state, serializes fn under the plan's lock, and saves the
// (possibly mutated) state back to the store unless fn returns an error.
func (c *Coordinator) withPlan(ctx context.Context, planID string, fn func(s *State) error) (*State, error) {
	lock := c.lockFor(planID)
	lock.Lock()
	defer lock.Unlock()

	s, err := c.deps.Store.Load(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: load state: %w", err)
	}
	if s == nil {
		return nil, nil
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.UpdatedAt = nowMillis()
	if err := c.deps.Store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("coordinator: save state: %w", err)
	}
	return s, nil
}

func (c *Coordinator) emit(ctx context.Context, ev events.Event) {
	if c.deps.Emitter == nil {
		return
	}
	if err := c.deps.Emitter.Commit(ctx, ev); err != nil && c.deps.Log != nil {
		c.deps.Log.Error().Err(err).Str("event", string(ev.Name)).Str("planId", ev.Data["planId"].(string)).Msg("event commit failed")
	}
}

// Initialize creates (or idempotently returns) the CoordinatorState for a
// plan, and arms its deadline alarm.
func (c *Coordinator) Initialize(ctx context.Context, planID, projectID, orgID string, totalSheets int, timeoutMs int64) (*State, error) {
	lock := c.lockFor(planID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := c.deps.Store.Load(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: load state: %w", err)
	}
	if existing != nil {
		if existing.TotalSheets != totalSheets {
			return nil, ErrAlreadyInitialized
		}
		return existing.clone(), nil
	}

	timeout := c.deps.DefaultTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	now := nowMillis()
	s := newState(planID, projectID, orgID, totalSheets, now, now+timeout.Milliseconds())

	c.emit(ctx, events.NewPlanProcessingStarted(orgID, planID, now))

	if totalSheets == 0 {
		// Empty-set joins fire immediately: image-gen, metadata, and
		// parallel-detection all vacuously complete.
		s.Status = StatusComplete
		c.emit(ctx, events.NewPlanMetadataCompleted(orgID, planID, nil, map[string]string{}, now))
		c.emit(ctx, events.NewPlanProcessingProgress(orgID, planID, s.progress().OverallPercent))
		c.emit(ctx, events.NewPlanProcessingCompleted(orgID, planID, 0, now))
	}

	if err := c.deps.Store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("coordinator: save state: %w", err)
	}
	if !s.Status.terminal() {
		c.armAlarm(planID, timeout)
	}
	return s.clone(), nil
}

// SheetImageGenerated records one sheet's rasterized image and, once every
// sheet has reported, transitions to metadata_extraction and dispatches
// one Metadata job per sheet.
func (c *Coordinator) SheetImageGenerated(ctx context.Context, planID, sheetID string) (*State, error) {
	var toDispatch []jobmodel.MetadataJob
	var transitioned bool
	s, err := c.withPlan(ctx, planID, func(s *State) error {
		if s.Status.terminal() {
			return nil // late report after completion/failure: no-op
		}
		if _, ok := s.GeneratedImages[sheetID]; ok {
			return nil // duplicate report: idempotent no-op
		}
		s.GeneratedImages[sheetID] = struct{}{}

		if len(s.GeneratedImages) == s.TotalSheets && s.Status == StatusImageGeneration {
			s.Status = StatusMetadataExtraction
			transitioned = true
			for i := 0; i < s.TotalSheets; i++ {
				sheetID := fmt.Sprintf("sheet-%d", i)
				toDispatch = append(toDispatch, jobmodel.MetadataJob{
					PlanID: s.PlanID, ProjectID: s.ProjectID, OrganizationID: s.OrganizationID,
					SheetID: sheetID, SheetNumber: i + 1, TotalSheets: s.TotalSheets,
				})
			}
		}
		return nil
	})
	if err != nil || s == nil {
		return s, err
	}
	if transitioned {
		c.emit(ctx, events.NewPlanProcessingProgress(s.OrganizationID, planID, s.progress().OverallPercent))
	}
	for _, job := range toDispatch {
		if err := c.deps.Dispatcher.EnqueueMetadata(ctx, job); err != nil && c.deps.Log != nil {
			c.deps.Log.Error().Err(err).Str("planId", planID).Str("sheetId", job.SheetID).Msg("enqueue metadata job failed")
		}
	}
	return s, nil
}

// SheetMetadataExtracted records extraction results for one sheet. When
// every sheet has reported, it emits planMetadataCompleted, transitions to
// parallel_detection, and fans out Callout+Layout jobs for valid sheets.
func (c *Coordinator) SheetMetadataExtracted(ctx context.Context, planID, sheetID string, isValid bool, sheetNumber string) (*State, error) {
	var (
		emitMetaComplete bool
		calloutJobs      []jobmodel.CalloutJob
		layoutJobs       []jobmodel.LayoutJob
	)
	s, err := c.withPlan(ctx, planID, func(s *State) error {
		if s.Status.terminal() {
			return nil
		}
		if _, ok := s.ExtractedMetadata[sheetID]; ok {
			return nil // duplicate
		}
		s.ExtractedMetadata[sheetID] = struct{}{}
		if isValid {
			s.ValidSheets[sheetID] = struct{}{}
			if sheetNumber != "" {
				s.SheetNumberMap[sheetID] = sheetNumber
			} else if c.deps.Log != nil {
				c.deps.Log.Warn().Str("planId", planID).Str("sheetId", sheetID).
					Msg("valid sheet has no extracted sheetNumber; callout matching will degrade")
			}
		}

		if len(s.ExtractedMetadata) == s.TotalSheets && s.Status == StatusMetadataExtraction {
			s.Status = StatusParallelDetection
			emitMetaComplete = true

			validSheetNumbers := make([]string, 0, len(s.ValidSheets))
			for sid := range s.ValidSheets {
				if num, ok := s.SheetNumberMap[sid]; ok {
					validSheetNumbers = append(validSheetNumbers, num)
				}
			}
			sort.Strings(validSheetNumbers)

			for _, sid := range sortedSheetIDs(s.ValidSheets) {
				num := s.SheetNumberMap[sid]
				calloutJobs = append(calloutJobs, jobmodel.CalloutJob{
					PlanID: s.PlanID, ProjectID: s.ProjectID, OrganizationID: s.OrganizationID,
					SheetID: sid, SheetNumber: num, ValidSheetNumbers: validSheetNumbers,
				})
				layoutJobs = append(layoutJobs, jobmodel.LayoutJob{
					PlanID: s.PlanID, ProjectID: s.ProjectID, OrganizationID: s.OrganizationID,
					SheetID: sid, SheetNumber: num,
				})
			}

			// Zero-valid-sheets edge case: the join condition 0=0 holds
			// immediately, so fall straight through to tile_generation
			// and then complete without dispatching anything.
			if len(s.ValidSheets) == 0 {
				s.Status = StatusTileGeneration
				s.Status = StatusComplete
			}
		}
		return nil
	})
	if err != nil || s == nil {
		return s, err
	}
	if emitMetaComplete {
		c.emit(ctx, events.NewPlanMetadataCompleted(s.OrganizationID, planID, sortedSheetIDs(s.ValidSheets), cloneStrMap(s.SheetNumberMap), nowMillis()))
		c.emit(ctx, events.NewPlanProcessingProgress(s.OrganizationID, planID, s.progress().OverallPercent))
		if s.Status == StatusComplete {
			c.emit(ctx, events.NewPlanProcessingCompleted(s.OrganizationID, planID, 0, nowMillis()))
			c.disarmAlarm(planID)
		}
	}
	for _, job := range calloutJobs {
		if err := c.deps.Dispatcher.EnqueueCallout(ctx, job); err != nil && c.deps.Log != nil {
			c.deps.Log.Error().Err(err).Str("planId", planID).Str("sheetId", job.SheetID).Msg("enqueue callout job failed")
		}
	}
	for _, job := range layoutJobs {
		if err := c.deps.Dispatcher.EnqueueLayout(ctx, job); err != nil && c.deps.Log != nil {
			c.deps.Log.Error().Err(err).Str("planId", planID).Str("sheetId", job.SheetID).Msg("enqueue layout job failed")
		}
	}
	return s, nil
}

// SheetCalloutsDetected records a callout-detection report and runs the
// parallel-detection join.
func (c *Coordinator) SheetCalloutsDetected(ctx context.Context, planID, sheetID string) (*State, error) {
	return c.reportDetection(ctx, planID, sheetID, true)
}

// SheetLayoutDetected records a layout-detection report and runs the
// parallel-detection join.
func (c *Coordinator) SheetLayoutDetected(ctx context.Context, planID, sheetID string) (*State, error) {
	return c.reportDetection(ctx, planID, sheetID, false)
}

func (c *Coordinator) reportDetection(ctx context.Context, planID, sheetID string, callout bool) (*State, error) {
	var tilesJobs []jobmodel.TilesJob
	var transitioned bool
	s, err := c.withPlan(ctx, planID, func(s *State) error {
		if s.Status.terminal() {
			return nil
		}
		set := s.DetectedLayouts
		if callout {
			set = s.DetectedCallouts
		}
		if _, ok := set[sheetID]; ok {
			return nil // duplicate
		}
		if _, isValid := s.ValidSheets[sheetID]; !isValid {
			if c.deps.Log != nil {
				c.deps.Log.Error().Str("planId", planID).Str("sheetId", sheetID).Msg("detection report for unknown or invalid sheetId")
			}
			return nil // Invariant: logged, no state change
		}
		set[sheetID] = struct{}{}

		// The join is a pure function of state, safe to evaluate on
		// every inbound report regardless of which detection just landed.
		if s.Status == StatusParallelDetection &&
			len(s.DetectedCallouts) == len(s.ValidSheets) &&
			len(s.DetectedLayouts) == len(s.ValidSheets) {
			s.Status = StatusTileGeneration
			transitioned = true
			for _, sid := range sortedSheetIDs(s.ValidSheets) {
				tilesJobs = append(tilesJobs, jobmodel.TilesJob{
					PlanID: s.PlanID, ProjectID: s.ProjectID, OrganizationID: s.OrganizationID, SheetID: sid,
				})
			}
		}
		return nil
	})
	if err != nil || s == nil {
		return s, err
	}
	if transitioned {
		c.emit(ctx, events.NewPlanProcessingProgress(s.OrganizationID, planID, s.progress().OverallPercent))
	}
	for _, job := range tilesJobs {
		if err := c.deps.Dispatcher.EnqueueTiles(ctx, job); err != nil && c.deps.Log != nil {
			c.deps.Log.Error().Err(err).Str("planId", planID).Str("sheetId", job.SheetID).Msg("enqueue tiles job failed")
		}
	}
	return s, nil
}

// SheetTilesGenerated records a tile-generation report and, once every
// valid sheet's tiles have landed, emits planProcessingCompleted.
func (c *Coordinator) SheetTilesGenerated(ctx context.Context, planID, sheetID string) (*State, error) {
	var complete bool
	s, err := c.withPlan(ctx, planID, func(s *State) error {
		if s.Status.terminal() {
			return nil
		}
		if _, ok := s.GeneratedTiles[sheetID]; ok {
			return nil
		}
		s.GeneratedTiles[sheetID] = struct{}{}
		if len(s.GeneratedTiles) == len(s.ValidSheets) && s.Status == StatusTileGeneration {
			s.Status = StatusComplete
			complete = true
		}
		return nil
	})
	if err != nil || s == nil {
		return s, err
	}
	if complete {
		c.emit(ctx, events.NewPlanProcessingProgress(s.OrganizationID, planID, s.progress().OverallPercent))
		c.emit(ctx, events.NewPlanProcessingCompleted(s.OrganizationID, planID, len(s.ValidSheets), nowMillis()))
		c.disarmAlarm(planID)
	}
	return s, nil
}

// MarkFailed transitions a plan to failed from any non-terminal status.
func (c *Coordinator) MarkFailed(ctx context.Context, planID, errMsg string) (*State, error) {
	var failed bool
	s, err := c.withPlan(ctx, planID, func(s *State) error {
		if s.Status.terminal() {
			return nil
		}
		s.Status = StatusFailed
		s.LastError = errMsg
		failed = true
		return nil
	})
	if err != nil || s == nil {
		return s, err
	}
	if failed {
		c.emit(ctx, events.NewPlanProcessingFailed(s.OrganizationID, planID, errMsg, nowMillis()))
		c.disarmAlarm(planID)
	}
	return s, nil
}

// GetState returns a read-only snapshot, or nil if the plan is unknown.
func (c *Coordinator) GetState(ctx context.Context, planID string) (*State, error) {
	lock := c.lockFor(planID)
	lock.Lock()
	defer lock.Unlock()
	s, err := c.deps.Store.Load(ctx, planID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	return s.clone(), nil
}

// GetProgress returns the five-stage progress snapshot.
func (c *Coordinator) GetProgress(ctx context.Context, planID string) (*Progress, error) {
	s, err := c.GetState(ctx, planID)
	if err != nil || s == nil {
		return nil, err
	}
	p := s.progress()
	return &p, nil
}

// classifyStorageError maps a Store/Dispatcher error through errkind so
// callers (e.g. the coordinator HTTP surface) can decide response codes.
func classifyStorageError(err error) errkind.Kind {
	return errkind.Classify(err, false)
}

func sortedSheetIDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cloneStrMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
