package stageworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/planpipeline/internal/blobstore"
	"github.com/local/planpipeline/internal/containerclient"
	"github.com/local/planpipeline/internal/errkind"
	"github.com/local/planpipeline/internal/events"
	"github.com/local/planpipeline/internal/jobmodel"
	"github.com/local/planpipeline/internal/pathkey"
	"github.com/local/planpipeline/internal/queue"
)

// MetadataExtractor is the container surface this stage depends on.
type MetadataExtractor interface {
	ExtractMetadata(ctx context.Context, planID, sheetID string, png []byte) (*containerclient.ExtractMetadataResponse, error)
}

// MetadataHandler extracts sheet number/title/discipline/validity for one
// sheet. A container failure is tolerated per-sheet: the sheet is reported
// as invalid rather than failing the whole plan, since an unreadable title
// block on one sheet shouldn't stall every other sheet's pipeline.
type MetadataHandler struct {
	Blob      blobstore.Store
	Container MetadataExtractor
	Reporter  Reporter
	Events    Committer
	Log       *zerolog.Logger
}

func (h *MetadataHandler) Stage() queue.Stage { return queue.StageMetadata }

func (h *MetadataHandler) Handle(ctx context.Context, payload []byte) error {
	var job jobmodel.MetadataJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return errkind.AsInvariant(fmt.Errorf("metadata: decode job: %w", err))
	}

	tenant := pathkey.Tenant{OrganizationID: job.OrganizationID, ProjectID: job.ProjectID, PlanID: job.PlanID}
	png, err := h.Blob.Get(ctx, tenant.SheetPNG(job.SheetID))
	if err != nil {
		return fmt.Errorf("metadata: fetch sheet png: %w", err)
	}

	resp, err := h.Container.ExtractMetadata(ctx, job.PlanID, job.SheetID, png)
	if err != nil {
		kind := errkind.Classify(err, false)
		if errkind.Retryable(kind) {
			return err
		}
		if h.Log != nil {
			h.Log.Warn().Err(err).Str("planId", job.PlanID).Str("sheetId", job.SheetID).
				Msg("metadata extraction failed permanently; reporting sheet as invalid")
		}
		if _, repErr := h.Reporter.SheetMetadataExtracted(ctx, job.PlanID, job.SheetID, false, ""); repErr != nil && h.Log != nil {
			h.Log.Error().Err(repErr).Str("planId", job.PlanID).Str("sheetId", job.SheetID).Msg("report sheetMetadataExtracted failed")
		}
		return nil
	}

	sheetNumber := ""
	if resp.SheetNumber != nil {
		sheetNumber = *resp.SheetNumber
	}

	if resp.IsValid && h.Events != nil {
		ev := events.NewSheetMetadataExtracted(job.OrganizationID, events.SheetMetadataExtractedFields{
			SheetID: job.SheetID, PlanID: job.PlanID, SheetNumber: sheetNumber,
			SheetTitle: resp.Title, Discipline: resp.Discipline, ExtractedAt: time.Now().UnixMilli(),
		})
		if err := h.Events.Commit(ctx, ev); err != nil && h.Log != nil {
			h.Log.Error().Err(err).Str("planId", job.PlanID).Str("sheetId", job.SheetID).Msg("commit sheetMetadataExtracted failed")
		}
	}

	if _, err := h.Reporter.SheetMetadataExtracted(ctx, job.PlanID, job.SheetID, resp.IsValid, sheetNumber); err != nil && h.Log != nil {
		h.Log.Error().Err(err).Str("planId", job.PlanID).Str("sheetId", job.SheetID).Msg("report sheetMetadataExtracted failed")
	}
	return nil
}
