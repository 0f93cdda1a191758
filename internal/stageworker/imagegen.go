package stageworker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/planpipeline/internal/blobstore"
	"github.com/local/planpipeline/internal/containerclient"
	"github.com/local/planpipeline/internal/coordinator"
	"github.com/local/planpipeline/internal/errkind"
	"github.com/local/planpipeline/internal/events"
	"github.com/local/planpipeline/internal/jobmodel"
	"github.com/local/planpipeline/internal/pathkey"
	"github.com/local/planpipeline/internal/queue"
)

// ImageGenerator is the container surface this stage depends on.
// *containerclient.Client satisfies it directly.
type ImageGenerator interface {
	GenerateImages(ctx context.Context, planID string, pdf []byte) (*containerclient.GenerateImagesResponse, error)
	RenderPages(ctx context.Context, planID string, pdf []byte, pageNumbers []int) (*containerclient.RenderPagesResponse, error)
}

// ImageGenHandler rasterizes every page of a plan's source PDF to one PNG
// per sheet, uploads each to blob storage, emits sheetImageGenerated, and
// reports completion per sheet. It is the single stage-1 job per plan.
type ImageGenHandler struct {
	Blob      blobstore.Store
	Container ImageGenerator
	Reporter  Reporter
	Events    Committer
	Log       *zerolog.Logger
}

func (h *ImageGenHandler) Stage() queue.Stage { return queue.StageImageGen }

func (h *ImageGenHandler) Handle(ctx context.Context, payload []byte) error {
	var job jobmodel.ImageGenJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return errkind.AsInvariant(fmt.Errorf("imagegen: decode job: %w", err))
	}

	tenant := pathkey.Tenant{OrganizationID: job.OrganizationID, ProjectID: job.ProjectID, PlanID: job.PlanID}

	pdf, err := h.Blob.Get(ctx, tenant.SourcePDF())
	if err != nil {
		return h.fail(ctx, job.PlanID, fmt.Errorf("imagegen: fetch source pdf: %w", err))
	}

	layout, err := h.Container.GenerateImages(ctx, job.PlanID, pdf)
	if err != nil {
		return h.fail(ctx, job.PlanID, err)
	}

	// The container's page layout is the only authoritative sheet count;
	// the core never counts PDF pages itself. A duplicate Initialize
	// (redelivery after a crash between here and the ack) is expected
	// and benign as long as totalSheets agrees.
	if _, err := h.Reporter.Initialize(ctx, job.PlanID, job.ProjectID, job.OrganizationID, len(layout.Sheets), job.TimeoutMs); err != nil {
		if !errors.Is(err, coordinator.ErrAlreadyInitialized) {
			return h.fail(ctx, job.PlanID, fmt.Errorf("imagegen: initialize plan: %w", err))
		}
	}

	pageNumbers := make([]int, 0, len(layout.Sheets))
	seen := map[int]struct{}{}
	for _, s := range layout.Sheets {
		if _, ok := seen[s.PageNumber]; ok {
			continue
		}
		seen[s.PageNumber] = struct{}{}
		pageNumbers = append(pageNumbers, s.PageNumber)
	}

	rendered, err := h.Container.RenderPages(ctx, job.PlanID, pdf, pageNumbers)
	if err != nil {
		return h.fail(ctx, job.PlanID, err)
	}
	pngByPage := make(map[int][]byte, len(rendered.Pages))
	for _, p := range rendered.Pages {
		raw, decErr := base64.StdEncoding.DecodeString(p.PNGBase64)
		if decErr != nil {
			return h.fail(ctx, job.PlanID, errkind.AsInvariant(fmt.Errorf("imagegen: decode png for page %d: %w", p.PageNumber, decErr)))
		}
		pngByPage[p.PageNumber] = raw
	}

	for i, sheet := range layout.Sheets {
		sheetID := pathkey.SheetID(i)
		png, ok := pngByPage[sheet.PageNumber]
		if !ok {
			return h.fail(ctx, job.PlanID, errkind.AsInvariant(fmt.Errorf("imagegen: no rendered page for sheet %s (page %d)", sheetID, sheet.PageNumber)))
		}
		if err := h.Blob.Put(ctx, tenant.SheetPNG(sheetID), png, "image/png"); err != nil {
			return h.fail(ctx, job.PlanID, fmt.Errorf("imagegen: store sheet png: %w", err))
		}

		if h.Events != nil {
			ev := events.NewSheetImageGenerated(job.OrganizationID, events.SheetImageGeneratedFields{
				SheetID: sheetID, ProjectID: job.ProjectID, PlanID: job.PlanID, PlanName: job.PlanName,
				PageNumber: sheet.PageNumber, LocalImagePath: tenant.SheetPNG(sheetID),
				Width: sheet.Width, Height: sheet.Height, GeneratedAt: time.Now().UnixMilli(),
			})
			if err := h.Events.Commit(ctx, ev); err != nil && h.Log != nil {
				h.Log.Error().Err(err).Str("planId", job.PlanID).Str("sheetId", sheetID).Msg("commit sheetImageGenerated failed")
			}
		}

		if _, err := h.Reporter.SheetImageGenerated(ctx, job.PlanID, sheetID); err != nil && h.Log != nil {
			h.Log.Error().Err(err).Str("planId", job.PlanID).Str("sheetId", sheetID).Msg("report sheetImageGenerated failed")
		}
	}
	return nil
}

// fail classifies err; non-retryable classifications fail the whole plan
// since image generation is the critical first stage every sheet depends
// on, then returns a non-retryable error so the runner dead-letters it.
func (h *ImageGenHandler) fail(ctx context.Context, planID string, err error) error {
	kind := errkind.Classify(err, false)
	if errkind.Retryable(kind) {
		return err
	}
	if _, markErr := h.Reporter.MarkFailed(ctx, planID, err.Error()); markErr != nil && h.Log != nil {
		h.Log.Error().Err(markErr).Str("planId", planID).Msg("mark plan failed failed")
	}
	return errkind.AsInvariant(err)
}
