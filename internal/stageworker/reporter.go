package stageworker

import (
	"context"

	"github.com/local/planpipeline/internal/coordinator"
	"github.com/local/planpipeline/internal/events"
)

// Reporter is the subset of the coordinator's API that stage handlers call
// to report a sheet's progress. *coordinator.Coordinator satisfies this
// directly; tests use a fake.
type Reporter interface {
	Initialize(ctx context.Context, planID, projectID, orgID string, totalSheets int, timeoutMs int64) (*coordinator.State, error)
	SheetImageGenerated(ctx context.Context, planID, sheetID string) (*coordinator.State, error)
	SheetMetadataExtracted(ctx context.Context, planID, sheetID string, isValid bool, sheetNumber string) (*coordinator.State, error)
	SheetCalloutsDetected(ctx context.Context, planID, sheetID string) (*coordinator.State, error)
	SheetLayoutDetected(ctx context.Context, planID, sheetID string) (*coordinator.State, error)
	SheetTilesGenerated(ctx context.Context, planID, sheetID string) (*coordinator.State, error)
	MarkFailed(ctx context.Context, planID, errMsg string) (*coordinator.State, error)
}

// Committer commits domain events. Matches events.Emitter's Commit method.
type Committer interface {
	Commit(ctx context.Context, ev events.Event) error
}
