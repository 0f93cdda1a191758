package stageworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/planpipeline/internal/blobstore"
	"github.com/local/planpipeline/internal/errkind"
	"github.com/local/planpipeline/internal/events"
	"github.com/local/planpipeline/internal/jobmodel"
	"github.com/local/planpipeline/internal/pathkey"
	"github.com/local/planpipeline/internal/queue"
)

// TileGenerator is the container surface this stage depends on.
type TileGenerator interface {
	GenerateTiles(ctx context.Context, orgID, projectID, planID, sheetID string, png []byte) ([]byte, error)
}

// TilesHandler renders and stores the PMTiles pyramid for one valid sheet,
// the pipeline's final per-sheet deliverable. A container failure here
// fails the whole plan: unlike callouts/layout, a sheet with no tiles has
// nothing to show a viewer.
type TilesHandler struct {
	Blob      blobstore.Store
	Container TileGenerator
	Reporter  Reporter
	Events    Committer
	Log       *zerolog.Logger

	// MinZoom/MaxZoom describe the pyramid this stage always produces;
	// the container returns a raw archive, not the zoom bounds, so the
	// pipeline fixes them per deployment.
	MinZoom, MaxZoom int
}

func (h *TilesHandler) Stage() queue.Stage { return queue.StageTiles }

func (h *TilesHandler) Handle(ctx context.Context, payload []byte) error {
	var job jobmodel.TilesJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return errkind.AsInvariant(fmt.Errorf("tiles: decode job: %w", err))
	}

	tenant := pathkey.Tenant{OrganizationID: job.OrganizationID, ProjectID: job.ProjectID, PlanID: job.PlanID}
	png, err := h.Blob.Get(ctx, tenant.SheetPNG(job.SheetID))
	if err != nil {
		return h.fail(ctx, job.PlanID, fmt.Errorf("tiles: fetch sheet png: %w", err))
	}

	archive, err := h.Container.GenerateTiles(ctx, job.OrganizationID, job.ProjectID, job.PlanID, job.SheetID, png)
	if err != nil {
		return h.fail(ctx, job.PlanID, err)
	}

	tilesPath := tenant.SheetTiles(job.SheetID)
	if err := h.Blob.Put(ctx, tilesPath, archive, "application/octet-stream"); err != nil {
		return h.fail(ctx, job.PlanID, fmt.Errorf("tiles: store pmtiles archive: %w", err))
	}

	if h.Events != nil {
		ev := events.NewSheetTilesGenerated(job.OrganizationID, events.SheetTilesGeneratedFields{
			SheetID: job.SheetID, PlanID: job.PlanID, LocalPmtilesPath: tilesPath,
			MinZoom: h.MinZoom, MaxZoom: h.MaxZoom, GeneratedAt: time.Now().UnixMilli(),
		})
		if err := h.Events.Commit(ctx, ev); err != nil && h.Log != nil {
			h.Log.Error().Err(err).Str("planId", job.PlanID).Str("sheetId", job.SheetID).Msg("commit sheetTilesGenerated failed")
		}
	}

	if _, err := h.Reporter.SheetTilesGenerated(ctx, job.PlanID, job.SheetID); err != nil && h.Log != nil {
		h.Log.Error().Err(err).Str("planId", job.PlanID).Str("sheetId", job.SheetID).Msg("report sheetTilesGenerated failed")
	}
	return nil
}

func (h *TilesHandler) fail(ctx context.Context, planID string, err error) error {
	kind := errkind.Classify(err, false)
	if errkind.Retryable(kind) {
		return err
	}
	if _, markErr := h.Reporter.MarkFailed(ctx, planID, err.Error()); markErr != nil && h.Log != nil {
		h.Log.Error().Err(markErr).Str("planId", planID).Msg("mark plan failed failed")
	}
	return errkind.AsInvariant(err)
}
