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

// CalloutDetector is the container surface this stage depends on.
type CalloutDetector interface {
	DetectCallouts(ctx context.Context, planID, sheetID, sheetNumber string, png []byte, validSheetNumbers []string) (*containerclient.DetectCalloutsResponse, error)
}

// CalloutHandler detects callout markers and grid bubbles on one valid
// sheet. Like layout, a permanent container failure is absorbed: callouts
// are a cross-reference enrichment, not a blocking requirement for tiles.
type CalloutHandler struct {
	Blob      blobstore.Store
	Container CalloutDetector
	Reporter  Reporter
	Events    Committer
	Log       *zerolog.Logger
}

func (h *CalloutHandler) Stage() queue.Stage { return queue.StageCallout }

func (h *CalloutHandler) Handle(ctx context.Context, payload []byte) error {
	var job jobmodel.CalloutJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return errkind.AsInvariant(fmt.Errorf("callout: decode job: %w", err))
	}

	tenant := pathkey.Tenant{OrganizationID: job.OrganizationID, ProjectID: job.ProjectID, PlanID: job.PlanID}
	png, err := h.Blob.Get(ctx, tenant.SheetPNG(job.SheetID))
	if err != nil {
		return fmt.Errorf("callout: fetch sheet png: %w", err)
	}

	resp, err := h.Container.DetectCallouts(ctx, job.PlanID, job.SheetID, job.SheetNumber, png, job.ValidSheetNumbers)
	if err != nil {
		kind := errkind.Classify(err, false)
		if errkind.Retryable(kind) {
			return err
		}
		if h.Log != nil {
			h.Log.Warn().Err(err).Str("planId", job.PlanID).Str("sheetId", job.SheetID).
				Msg("callout detection failed permanently; absorbing")
		}
		return h.reportToCoordinator(ctx, job)
	}

	markers := make([]any, len(resp.Markers))
	for i, m := range resp.Markers {
		markers[i] = m
	}
	bubbles := make([]any, len(resp.GridBubbles))
	for i, b := range resp.GridBubbles {
		bubbles[i] = b
	}
	return h.report(ctx, job, markers, resp.UnmatchedCount, bubbles)
}

func (h *CalloutHandler) report(ctx context.Context, job jobmodel.CalloutJob, markers []any, unmatched int, bubbles []any) error {
	now := time.Now().UnixMilli()
	if h.Events != nil {
		if err := h.Events.Commit(ctx, events.NewSheetCalloutsDetected(job.OrganizationID, job.SheetID, job.PlanID, markers, unmatched, now)); err != nil && h.Log != nil {
			h.Log.Error().Err(err).Str("planId", job.PlanID).Str("sheetId", job.SheetID).Msg("commit sheetCalloutsDetected failed")
		}
		if len(bubbles) > 0 {
			if err := h.Events.Commit(ctx, events.NewSheetGridBubblesDetected(job.OrganizationID, job.SheetID, bubbles, now)); err != nil && h.Log != nil {
				h.Log.Error().Err(err).Str("planId", job.PlanID).Str("sheetId", job.SheetID).Msg("commit sheetGridBubblesDetected failed")
			}
		}
	}
	return h.reportToCoordinator(ctx, job)
}

// reportToCoordinator reports stage completion to the coordinator without
// synthesizing a detection event, used both for permanent container
// failures and as the tail of the success path above.
func (h *CalloutHandler) reportToCoordinator(ctx context.Context, job jobmodel.CalloutJob) error {
	if _, err := h.Reporter.SheetCalloutsDetected(ctx, job.PlanID, job.SheetID); err != nil && h.Log != nil {
		h.Log.Error().Err(err).Str("planId", job.PlanID).Str("sheetId", job.SheetID).Msg("report sheetCalloutsDetected failed")
	}
	return nil
}
