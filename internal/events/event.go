// Package events defines the typed domain-event contract of §6 and commits
// events to the per-tenant event log. Event payload shapes are a public
// contract consumed by viewers: no extra fields are ever serialized, and
// every case is validated before commit, replacing the teacher's untyped
// map[string]any event bag with a tagged variant.
package events

import (
	"fmt"
	"sort"
)

// Name is one of the eleven committed event names of spec.md §6.
type Name string

const (
	PlanProcessingStarted      Name = "planProcessingStarted"
	PlanProcessingProgress     Name = "planProcessingProgress"
	SheetImageGenerated        Name = "sheetImageGenerated"
	SheetMetadataExtracted     Name = "sheetMetadataExtracted"
	PlanMetadataCompleted      Name = "planMetadataCompleted"
	SheetCalloutsDetected      Name = "sheetCalloutsDetected"
	SheetGridBubblesDetected   Name = "sheetGridBubblesDetected"
	SheetLayoutRegionsDetected Name = "sheetLayoutRegionsDetected"
	SheetTilesGenerated        Name = "sheetTilesGenerated"
	PlanProcessingCompleted    Name = "planProcessingCompleted"
	PlanProcessingFailed       Name = "planProcessingFailed"
)

// Event is a committed domain event. OrganizationID selects the tenant
// partition; Name and Data determine the stream-specific shape. Data is
// built exclusively through the constructors below, each of which emits
// exactly the required/optional fields named in spec.md §6 — never more.
type Event struct {
	OrganizationID string
	Name           Name
	Data           map[string]any
}

// requiredFields lists, per event name, the fields that must be present
// and non-zero for Validate to accept the event.
var requiredFields = map[Name][]string{
	PlanProcessingStarted:      {"planId", "startedAt"},
	PlanProcessingProgress:     {"planId", "progress"},
	SheetImageGenerated:        {"sheetId", "projectId", "planId", "planName", "pageNumber", "localImagePath", "width", "height", "generatedAt"},
	SheetMetadataExtracted:     {"sheetId", "planId", "sheetNumber", "extractedAt"},
	PlanMetadataCompleted:      {"planId", "validSheets", "sheetNumberMap", "completedAt"},
	SheetCalloutsDetected:      {"sheetId", "planId", "markers", "unmatchedCount", "detectedAt"},
	SheetGridBubblesDetected:   {"sheetId", "bubbles", "detectedAt"},
	SheetLayoutRegionsDetected: {"sheetId", "regions", "detectedAt"},
	SheetTilesGenerated:        {"sheetId", "planId", "localPmtilesPath", "minZoom", "maxZoom", "generatedAt"},
	PlanProcessingCompleted:    {"planId", "sheetCount", "completedAt"},
	PlanProcessingFailed:       {"planId", "error", "failedAt"},
}

// allowedFields additionally lists the optional fields each event may carry;
// anything outside required+allowed is rejected to prevent schema drift
// between emitter and consumer (spec.md §9 "Event schema drift").
var allowedFields = map[Name][]string{
	SheetImageGenerated:    {"remoteImagePath"},
	SheetMetadataExtracted: {"sheetTitle", "discipline"},
	SheetTilesGenerated:    {"remotePmtilesPath"},
}

// Validate rejects events missing required fields or carrying unknown ones.
func (e Event) Validate() error {
	if e.OrganizationID == "" {
		return fmt.Errorf("event %s: missing organizationId partition", e.Name)
	}
	req, ok := requiredFields[e.Name]
	if !ok {
		return fmt.Errorf("unknown event name %q", e.Name)
	}
	known := map[string]struct{}{}
	for _, f := range req {
		known[f] = struct{}{}
		if _, present := e.Data[f]; !present {
			return fmt.Errorf("event %s: missing required field %q", e.Name, f)
		}
	}
	for _, f := range allowedFields[e.Name] {
		known[f] = struct{}{}
	}
	var unknown []string
	for f := range e.Data {
		if _, ok := known[f]; !ok {
			unknown = append(unknown, f)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("event %s: unexpected field(s) %v", e.Name, unknown)
	}
	return nil
}

// New builds an Event for the given tenant, validating required fields are
// present as each constructor below populates them; kept unexported so all
// callers go through the typed constructors.
func newEvent(orgID string, name Name, data map[string]any) Event {
	return Event{OrganizationID: orgID, Name: name, Data: data}
}

func NewPlanProcessingStarted(orgID, planID string, startedAt int64) Event {
	return newEvent(orgID, PlanProcessingStarted, map[string]any{
		"planId": planID, "startedAt": startedAt,
	})
}

func NewPlanProcessingProgress(orgID, planID string, progress int) Event {
	return newEvent(orgID, PlanProcessingProgress, map[string]any{
		"planId": planID, "progress": progress,
	})
}

type SheetImageGeneratedFields struct {
	SheetID, ProjectID, PlanID, PlanName, LocalImagePath, RemoteImagePath string
	PageNumber, Width, Height                                             int
	GeneratedAt                                                           int64
}

func NewSheetImageGenerated(orgID string, f SheetImageGeneratedFields) Event {
	data := map[string]any{
		"sheetId": f.SheetID, "projectId": f.ProjectID, "planId": f.PlanID,
		"planName": f.PlanName, "pageNumber": f.PageNumber,
		"localImagePath": f.LocalImagePath, "width": f.Width, "height": f.Height,
		"generatedAt": f.GeneratedAt,
	}
	if f.RemoteImagePath != "" {
		data["remoteImagePath"] = f.RemoteImagePath
	}
	return newEvent(orgID, SheetImageGenerated, data)
}

type SheetMetadataExtractedFields struct {
	SheetID, PlanID, SheetNumber, SheetTitle, Discipline string
	ExtractedAt                                          int64
}

func NewSheetMetadataExtracted(orgID string, f SheetMetadataExtractedFields) Event {
	data := map[string]any{
		"sheetId": f.SheetID, "planId": f.PlanID, "sheetNumber": f.SheetNumber,
		"extractedAt": f.ExtractedAt,
	}
	if f.SheetTitle != "" {
		data["sheetTitle"] = f.SheetTitle
	}
	if f.Discipline != "" {
		data["discipline"] = f.Discipline
	}
	return newEvent(orgID, SheetMetadataExtracted, data)
}

func NewPlanMetadataCompleted(orgID, planID string, validSheets []string, sheetNumberMap map[string]string, completedAt int64) Event {
	return newEvent(orgID, PlanMetadataCompleted, map[string]any{
		"planId": planID, "validSheets": validSheets, "sheetNumberMap": sheetNumberMap,
		"completedAt": completedAt,
	})
}

func NewSheetCalloutsDetected(orgID, sheetID, planID string, markers []any, unmatchedCount int, detectedAt int64) Event {
	return newEvent(orgID, SheetCalloutsDetected, map[string]any{
		"sheetId": sheetID, "planId": planID, "markers": markers,
		"unmatchedCount": unmatchedCount, "detectedAt": detectedAt,
	})
}

func NewSheetGridBubblesDetected(orgID, sheetID string, bubbles []any, detectedAt int64) Event {
	return newEvent(orgID, SheetGridBubblesDetected, map[string]any{
		"sheetId": sheetID, "bubbles": bubbles, "detectedAt": detectedAt,
	})
}

func NewSheetLayoutRegionsDetected(orgID, sheetID string, regions []any, detectedAt int64) Event {
	return newEvent(orgID, SheetLayoutRegionsDetected, map[string]any{
		"sheetId": sheetID, "regions": regions, "detectedAt": detectedAt,
	})
}

type SheetTilesGeneratedFields struct {
	SheetID, PlanID, LocalPmtilesPath, RemotePmtilesPath string
	MinZoom, MaxZoom                                     int
	GeneratedAt                                          int64
}

func NewSheetTilesGenerated(orgID string, f SheetTilesGeneratedFields) Event {
	data := map[string]any{
		"sheetId": f.SheetID, "planId": f.PlanID, "localPmtilesPath": f.LocalPmtilesPath,
		"minZoom": f.MinZoom, "maxZoom": f.MaxZoom, "generatedAt": f.GeneratedAt,
	}
	if f.RemotePmtilesPath != "" {
		data["remotePmtilesPath"] = f.RemotePmtilesPath
	}
	return newEvent(orgID, SheetTilesGenerated, data)
}

func NewPlanProcessingCompleted(orgID, planID string, sheetCount int, completedAt int64) Event {
	return newEvent(orgID, PlanProcessingCompleted, map[string]any{
		"planId": planID, "sheetCount": sheetCount, "completedAt": completedAt,
	})
}

func NewPlanProcessingFailed(orgID, planID, errMsg string, failedAt int64) Event {
	return newEvent(orgID, PlanProcessingFailed, map[string]any{
		"planId": planID, "error": errMsg, "failedAt": failedAt,
	})
}
