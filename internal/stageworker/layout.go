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

// LayoutDetector is the container surface this stage depends on.
type LayoutDetector interface {
	DetectLayout(ctx context.Context, planID, sheetID string, png []byte) (*containerclient.DetectLayoutResponse, error)
}

// LayoutHandler detects layout regions on one valid sheet. Layout is
// purely supplementary: every failure, transient or permanent, is
// absorbed rather than retried — no sheetLayoutRegionsDetected event is
// committed, but the sheet's slot is still reported to the coordinator —
// so a misbehaving layout model can never stall the tile-generation join.
type LayoutHandler struct {
	Blob      blobstore.Store
	Container LayoutDetector
	Reporter  Reporter
	Events    Committer
	Log       *zerolog.Logger
}

func (h *LayoutHandler) Stage() queue.Stage { return queue.StageLayout }

func (h *LayoutHandler) Handle(ctx context.Context, payload []byte) error {
	var job jobmodel.LayoutJob
	if err := json.Unmarshal(payload, &job); err != nil {
		// Even a malformed envelope must not block the join: there is no
		// sheetID to report against, so this one case stays a hard DLQ.
		return errkind.AsInvariant(fmt.Errorf("layout: decode job: %w", err))
	}

	var regions []any
	var detected bool
	tenant := pathkey.Tenant{OrganizationID: job.OrganizationID, ProjectID: job.ProjectID, PlanID: job.PlanID}
	png, err := h.Blob.Get(ctx, tenant.SheetPNG(job.SheetID))
	if err != nil {
		if h.Log != nil {
			h.Log.Warn().Err(err).Str("planId", job.PlanID).Str("sheetId", job.SheetID).Msg("layout: fetch sheet png failed; absorbing")
		}
	} else if resp, err := h.Container.DetectLayout(ctx, job.PlanID, job.SheetID, png); err != nil {
		if h.Log != nil {
			h.Log.Warn().Err(err).Str("planId", job.PlanID).Str("sheetId", job.SheetID).Msg("layout detection failed; absorbing")
		}
	} else {
		regions = make([]any, len(resp.Regions))
		for i, r := range resp.Regions {
			regions[i] = r
		}
		detected = true
	}

	if detected && h.Events != nil {
		ev := events.NewSheetLayoutRegionsDetected(job.OrganizationID, job.SheetID, regions, time.Now().UnixMilli())
		if err := h.Events.Commit(ctx, ev); err != nil && h.Log != nil {
			h.Log.Error().Err(err).Str("planId", job.PlanID).Str("sheetId", job.SheetID).Msg("commit sheetLayoutRegionsDetected failed")
		}
	}
	if _, err := h.Reporter.SheetLayoutDetected(ctx, job.PlanID, job.SheetID); err != nil && h.Log != nil {
		h.Log.Error().Err(err).Str("planId", job.PlanID).Str("sheetId", job.SheetID).Msg("report sheetLayoutDetected failed")
	}
	return nil
}
