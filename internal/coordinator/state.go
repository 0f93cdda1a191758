// Package coordinator implements the per-plan durable state machine of
// spec.md §4.1: an addressable singleton per planId that serializes
// concurrent RPCs, aggregates per-sheet progress, and dispatches the next
// stage's jobs when a stage's join condition is satisfied.
package coordinator

import "time"

// Status is one of the six states a plan passes through. Ordering here
// matches the monotone progression of spec.md §3; Failed absorbs from any
// non-terminal status.
type Status string

const (
	StatusImageGeneration    Status = "image_generation"
	StatusMetadataExtraction Status = "metadata_extraction"
	StatusParallelDetection  Status = "parallel_detection"
	StatusTileGeneration     Status = "tile_generation"
	StatusComplete           Status = "complete"
	StatusFailed             Status = "failed"
)

// terminal reports whether status accepts no further transitions.
func (s Status) terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// State is the durable record for one plan. Set-valued fields are modeled
// as map[string]struct{} for O(1) membership and straightforward JSON
// round-tripping through the Store.
type State struct {
	PlanID         string `json:"planId"`
	ProjectID      string `json:"projectId"`
	OrganizationID string `json:"organizationId"`
	TotalSheets    int    `json:"totalSheets"`
	CreatedAt      int64  `json:"createdAt"`

	Status Status `json:"status"`

	GeneratedImages   map[string]struct{} `json:"generatedImages"`
	ExtractedMetadata map[string]struct{} `json:"extractedMetadata"`
	ValidSheets       map[string]struct{} `json:"validSheets"`
	SheetNumberMap    map[string]string   `json:"sheetNumberMap"`
	DetectedCallouts  map[string]struct{} `json:"detectedCallouts"`
	DetectedLayouts   map[string]struct{} `json:"detectedLayouts"`
	GeneratedTiles    map[string]struct{} `json:"generatedTiles"`

	LastError string `json:"lastError,omitempty"`

	Deadline  int64 `json:"deadline"` // unix millis
	UpdatedAt int64 `json:"updatedAt"`
}

func newState(planID, projectID, orgID string, totalSheets int, createdAt, deadline int64) *State {
	return &State{
		PlanID:            planID,
		ProjectID:         projectID,
		OrganizationID:    orgID,
		TotalSheets:       totalSheets,
		CreatedAt:         createdAt,
		Status:            StatusImageGeneration,
		GeneratedImages:   map[string]struct{}{},
		ExtractedMetadata: map[string]struct{}{},
		ValidSheets:       map[string]struct{}{},
		SheetNumberMap:    map[string]string{},
		DetectedCallouts:  map[string]struct{}{},
		DetectedLayouts:   map[string]struct{}{},
		GeneratedTiles:    map[string]struct{}{},
		Deadline:          deadline,
		UpdatedAt:         createdAt,
	}
}

// clone deep-copies state so snapshots returned to callers can't be
// mutated behind the coordinator's back.
func (s *State) clone() *State {
	c := *s
	c.GeneratedImages = cloneSet(s.GeneratedImages)
	c.ExtractedMetadata = cloneSet(s.ExtractedMetadata)
	c.ValidSheets = cloneSet(s.ValidSheets)
	c.DetectedCallouts = cloneSet(s.DetectedCallouts)
	c.DetectedLayouts = cloneSet(s.DetectedLayouts)
	c.GeneratedTiles = cloneSet(s.GeneratedTiles)
	c.SheetNumberMap = make(map[string]string, len(s.SheetNumberMap))
	for k, v := range s.SheetNumberMap {
		c.SheetNumberMap[k] = v
	}
	return &c
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// StageProgress reports completed/total for one of the five pipeline stages.
type StageProgress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Progress is the read-only snapshot returned by getProgress.
type Progress struct {
	ImageGeneration    StageProgress `json:"imageGeneration"`
	MetadataExtraction StageProgress `json:"metadataExtraction"`
	CalloutDetection   StageProgress `json:"calloutDetection"`
	LayoutDetection    StageProgress `json:"layoutDetection"`
	TileGeneration     StageProgress `json:"tileGeneration"`
	OverallPercent     int           `json:"overallPercent"`
}

// progress computes the five-stage snapshot and the cumulative percentage
// used in planProcessingProgress events: each of the five stages is worth
// an equal 20% share, weighted by its own completed/total ratio.
func (s *State) progress() Progress {
	validTotal := len(s.ValidSheets)
	p := Progress{
		ImageGeneration:    StageProgress{len(s.GeneratedImages), s.TotalSheets},
		MetadataExtraction: StageProgress{len(s.ExtractedMetadata), s.TotalSheets},
		CalloutDetection:   StageProgress{len(s.DetectedCallouts), validTotal},
		LayoutDetection:    StageProgress{len(s.DetectedLayouts), validTotal},
		TileGeneration:     StageProgress{len(s.GeneratedTiles), validTotal},
	}
	stages := []StageProgress{p.ImageGeneration, p.MetadataExtraction, p.CalloutDetection, p.LayoutDetection, p.TileGeneration}
	metadataDone := len(s.ExtractedMetadata) == s.TotalSheets
	var sum float64
	for i, st := range stages {
		if st.Total == 0 {
			// An empty stage counts as done, but the three per-valid-sheet
			// stages only once metadata has fixed the valid-sheet set.
			if i < 2 || metadataDone {
				sum += 1
			}
			continue
		}
		sum += float64(st.Completed) / float64(st.Total)
	}
	p.OverallPercent = int(sum / float64(len(stages)) * 100)
	if s.Status == StatusComplete {
		p.OverallPercent = 100
	}
	return p
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
