package stageworker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/local/planpipeline/internal/containerclient"
	"github.com/local/planpipeline/internal/coordinator"
	"github.com/local/planpipeline/internal/events"
	"github.com/local/planpipeline/internal/jobmodel"
)

type fakeBlob struct {
	objects map[string][]byte
}

func newFakeBlob() *fakeBlob { return &fakeBlob{objects: map[string][]byte{}} }

func (f *fakeBlob) Get(ctx context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, errNotFound{key}
	}
	return data, nil
}

func (f *fakeBlob) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	data, err := f.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end], nil
}

func (f *fakeBlob) Put(ctx context.Context, key string, data []byte, contentType string) error {
	f.objects[key] = append([]byte(nil), data...)
	return nil
}

type errNotFound struct{ key string }

func (e errNotFound) Error() string { return "not found: " + e.key }

type fakeReporter struct {
	initialized        []string
	imageGenerated     []string
	metadataExtracted  []string
	calloutsDetected   []string
	layoutsDetected    []string
	tilesGenerated     []string
	failed             []string
}

func (f *fakeReporter) Initialize(ctx context.Context, planID, projectID, orgID string, totalSheets int, timeoutMs int64) (*coordinator.State, error) {
	f.initialized = append(f.initialized, planID)
	return nil, nil
}

func (f *fakeReporter) SheetImageGenerated(ctx context.Context, planID, sheetID string) (*coordinator.State, error) {
	f.imageGenerated = append(f.imageGenerated, sheetID)
	return nil, nil
}
func (f *fakeReporter) SheetMetadataExtracted(ctx context.Context, planID, sheetID string, isValid bool, sheetNumber string) (*coordinator.State, error) {
	f.metadataExtracted = append(f.metadataExtracted, sheetID)
	return nil, nil
}
func (f *fakeReporter) SheetCalloutsDetected(ctx context.Context, planID, sheetID string) (*coordinator.State, error) {
	f.calloutsDetected = append(f.calloutsDetected, sheetID)
	return nil, nil
}
func (f *fakeReporter) SheetLayoutDetected(ctx context.Context, planID, sheetID string) (*coordinator.State, error) {
	f.layoutsDetected = append(f.layoutsDetected, sheetID)
	return nil, nil
}
func (f *fakeReporter) SheetTilesGenerated(ctx context.Context, planID, sheetID string) (*coordinator.State, error) {
	f.tilesGenerated = append(f.tilesGenerated, sheetID)
	return nil, nil
}
func (f *fakeReporter) MarkFailed(ctx context.Context, planID, errMsg string) (*coordinator.State, error) {
	f.failed = append(f.failed, errMsg)
	return nil, nil
}

type fakeCommitter struct {
	events []events.Event
}

func (f *fakeCommitter) Commit(ctx context.Context, ev events.Event) error {
	f.events = append(f.events, ev)
	return nil
}

type fakeImageGenerator struct {
	layout *containerclient.GenerateImagesResponse
	pages  *containerclient.RenderPagesResponse
	err    error
}

func (f *fakeImageGenerator) GenerateImages(ctx context.Context, planID string, pdf []byte) (*containerclient.GenerateImagesResponse, error) {
	return f.layout, f.err
}
func (f *fakeImageGenerator) RenderPages(ctx context.Context, planID string, pdf []byte, pageNumbers []int) (*containerclient.RenderPagesResponse, error) {
	return f.pages, f.err
}

func TestImageGenHandlerHappyPath(t *testing.T) {
	blob := newFakeBlob()
	blob.objects["organizations/org/projects/proj/plans/plan/source.pdf"] = []byte("pdf-bytes")

	container := &fakeImageGenerator{
		layout: &containerclient.GenerateImagesResponse{
			Sheets: []containerclient.GeneratedSheet{
				{SheetID: "c-sheet-0", Width: 100, Height: 200, PageNumber: 1},
				{SheetID: "c-sheet-1", Width: 100, Height: 200, PageNumber: 2},
			},
			TotalPages: 2,
		},
		pages: &containerclient.RenderPagesResponse{
			Pages: []containerclient.RenderedPage{
				{PageNumber: 1, PNGBase64: base64.StdEncoding.EncodeToString([]byte("png-1"))},
				{PageNumber: 2, PNGBase64: base64.StdEncoding.EncodeToString([]byte("png-2"))},
			},
		},
	}
	reporter := &fakeReporter{}
	committer := &fakeCommitter{}

	h := &ImageGenHandler{Blob: blob, Container: container, Reporter: reporter, Events: committer}

	job := jobmodel.ImageGenJob{PlanID: "plan", ProjectID: "proj", OrganizationID: "org", PDFPath: "x"}
	payload, _ := json.Marshal(job)

	if err := h.Handle(context.Background(), payload); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(reporter.imageGenerated) != 2 {
		t.Fatalf("reported %d sheets, want 2", len(reporter.imageGenerated))
	}
	if len(committer.events) != 2 {
		t.Fatalf("committed %d events, want 2", len(committer.events))
	}
	if got := blob.objects["organizations/org/projects/proj/plans/plan/sheets/sheet-0/source.png"]; string(got) != "png-1" {
		t.Fatalf("sheet-0 png = %q, want png-1", got)
	}
}

func TestImageGenHandlerTransientRetries(t *testing.T) {
	blob := newFakeBlob()
	blob.objects["organizations/org/projects/proj/plans/plan/source.pdf"] = []byte("pdf-bytes")
	container := &fakeImageGenerator{err: &containerclient.StatusError{Path: "/generate-images", Code: 503}}
	reporter := &fakeReporter{}
	h := &ImageGenHandler{Blob: blob, Container: container, Reporter: reporter}

	job := jobmodel.ImageGenJob{PlanID: "plan", ProjectID: "proj", OrganizationID: "org"}
	payload, _ := json.Marshal(job)

	err := h.Handle(context.Background(), payload)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(reporter.failed) != 0 {
		t.Fatalf("plan should not be marked failed on a transient error, got %v", reporter.failed)
	}
}

func TestImageGenHandlerPermanentMarksFailed(t *testing.T) {
	blob := newFakeBlob()
	blob.objects["organizations/org/projects/proj/plans/plan/source.pdf"] = []byte("pdf-bytes")
	container := &fakeImageGenerator{err: &containerclient.StatusError{Path: "/generate-images", Code: 422}}
	reporter := &fakeReporter{}
	h := &ImageGenHandler{Blob: blob, Container: container, Reporter: reporter}

	job := jobmodel.ImageGenJob{PlanID: "plan", ProjectID: "proj", OrganizationID: "org"}
	payload, _ := json.Marshal(job)

	if err := h.Handle(context.Background(), payload); err == nil {
		t.Fatal("expected non-retryable error")
	}
	if len(reporter.failed) != 1 {
		t.Fatalf("expected plan marked failed once, got %v", reporter.failed)
	}
}

type fakeLayoutDetector struct {
	resp *containerclient.DetectLayoutResponse
	err  error
}

func (f *fakeLayoutDetector) DetectLayout(ctx context.Context, planID, sheetID string, png []byte) (*containerclient.DetectLayoutResponse, error) {
	return f.resp, f.err
}

func TestLayoutHandlerAbsorbsPermanentFailure(t *testing.T) {
	blob := newFakeBlob()
	blob.objects["organizations/org/projects/proj/plans/plan/sheets/sheet-0/source.png"] = []byte("png")
	detector := &fakeLayoutDetector{err: &containerclient.StatusError{Path: "/detect-layout", Code: 500}}
	reporter := &fakeReporter{}
	committer := &fakeCommitter{}
	h := &LayoutHandler{Blob: blob, Container: detector, Reporter: reporter, Events: committer}

	job := jobmodel.LayoutJob{PlanID: "plan", ProjectID: "proj", OrganizationID: "org", SheetID: "sheet-0"}
	payload, _ := json.Marshal(job)

	if err := h.Handle(context.Background(), payload); err != nil {
		t.Fatalf("layout handler must absorb failures, got err: %v", err)
	}
	if len(reporter.layoutsDetected) != 1 {
		t.Fatalf("expected sheetLayoutDetected reported once, got %v", reporter.layoutsDetected)
	}
	if len(committer.events) != 0 {
		t.Fatalf("expected no committed event on permanent failure, got %d", len(committer.events))
	}
}

type fakeMetadataExtractor struct {
	resp *containerclient.ExtractMetadataResponse
	err  error
}

func (f *fakeMetadataExtractor) ExtractMetadata(ctx context.Context, planID, sheetID string, png []byte) (*containerclient.ExtractMetadataResponse, error) {
	return f.resp, f.err
}

func TestMetadataHandlerPermanentFailureReportsInvalid(t *testing.T) {
	blob := newFakeBlob()
	blob.objects["organizations/org/projects/proj/plans/plan/sheets/sheet-0/source.png"] = []byte("png")
	extractor := &fakeMetadataExtractor{err: &containerclient.StatusError{Path: "/extract-metadata", Code: 400}}
	reporter := &fakeReporter{}
	h := &MetadataHandler{Blob: blob, Container: extractor, Reporter: reporter}

	job := jobmodel.MetadataJob{PlanID: "plan", ProjectID: "proj", OrganizationID: "org", SheetID: "sheet-0", SheetNumber: 1, TotalSheets: 1}
	payload, _ := json.Marshal(job)

	if err := h.Handle(context.Background(), payload); err != nil {
		t.Fatalf("metadata handler must absorb permanent failures, got err: %v", err)
	}
	if len(reporter.metadataExtracted) != 1 {
		t.Fatalf("expected sheetMetadataExtracted reported once")
	}
}

func TestMetadataHandlerHappyPath(t *testing.T) {
	blob := newFakeBlob()
	blob.objects["organizations/org/projects/proj/plans/plan/sheets/sheet-0/source.png"] = []byte("png")
	sheetNumber := "A-101"
	extractor := &fakeMetadataExtractor{resp: &containerclient.ExtractMetadataResponse{
		SheetNumber: &sheetNumber, Title: "Floor Plan", Discipline: "Architectural", IsValid: true,
	}}
	reporter := &fakeReporter{}
	committer := &fakeCommitter{}
	h := &MetadataHandler{Blob: blob, Container: extractor, Reporter: reporter, Events: committer}

	job := jobmodel.MetadataJob{PlanID: "plan", ProjectID: "proj", OrganizationID: "org", SheetID: "sheet-0", SheetNumber: 1, TotalSheets: 1}
	payload, _ := json.Marshal(job)

	if err := h.Handle(context.Background(), payload); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(reporter.metadataExtracted) != 1 {
		t.Fatalf("expected report")
	}
	if len(committer.events) != 1 || committer.events[0].Data["sheetNumber"] != "A-101" {
		t.Fatalf("expected committed event with sheetNumber A-101, got %+v", committer.events)
	}
}

func TestMetadataHandlerInvalidSheetSkipsEvent(t *testing.T) {
	blob := newFakeBlob()
	blob.objects["organizations/org/projects/proj/plans/plan/sheets/sheet-0/source.png"] = []byte("png")
	extractor := &fakeMetadataExtractor{resp: &containerclient.ExtractMetadataResponse{IsValid: false}}
	reporter := &fakeReporter{}
	committer := &fakeCommitter{}
	h := &MetadataHandler{Blob: blob, Container: extractor, Reporter: reporter, Events: committer}

	job := jobmodel.MetadataJob{PlanID: "plan", ProjectID: "proj", OrganizationID: "org", SheetID: "sheet-0", SheetNumber: 1, TotalSheets: 1}
	payload, _ := json.Marshal(job)

	if err := h.Handle(context.Background(), payload); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(reporter.metadataExtracted) != 1 {
		t.Fatalf("expected report to coordinator even when invalid, got %v", reporter.metadataExtracted)
	}
	if len(committer.events) != 0 {
		t.Fatalf("expected no sheetMetadataExtracted event for an invalid sheet, got %+v", committer.events)
	}
}

type fakeCalloutDetector struct {
	resp *containerclient.DetectCalloutsResponse
	err  error
}

func (f *fakeCalloutDetector) DetectCallouts(ctx context.Context, planID, sheetID, sheetNumber string, png []byte, validSheetNumbers []string) (*containerclient.DetectCalloutsResponse, error) {
	return f.resp, f.err
}

func TestCalloutHandlerAbsorbsPermanentFailure(t *testing.T) {
	blob := newFakeBlob()
	blob.objects["organizations/org/projects/proj/plans/plan/sheets/sheet-0/source.png"] = []byte("png")
	detector := &fakeCalloutDetector{err: &containerclient.StatusError{Path: "/detect-callouts", Code: 422}}
	reporter := &fakeReporter{}
	committer := &fakeCommitter{}
	h := &CalloutHandler{Blob: blob, Container: detector, Reporter: reporter, Events: committer}

	job := jobmodel.CalloutJob{PlanID: "plan", ProjectID: "proj", OrganizationID: "org", SheetID: "sheet-0"}
	payload, _ := json.Marshal(job)

	if err := h.Handle(context.Background(), payload); err != nil {
		t.Fatalf("callout handler must absorb failures, got err: %v", err)
	}
	if len(reporter.calloutsDetected) != 1 {
		t.Fatalf("expected sheetCalloutsDetected reported once, got %v", reporter.calloutsDetected)
	}
	if len(committer.events) != 0 {
		t.Fatalf("expected no committed event on permanent failure, got %d", len(committer.events))
	}
}

func TestCalloutHandlerHappyPath(t *testing.T) {
	blob := newFakeBlob()
	blob.objects["organizations/org/projects/proj/plans/plan/sheets/sheet-0/source.png"] = []byte("png")
	detector := &fakeCalloutDetector{resp: &containerclient.DetectCalloutsResponse{
		Markers:        []containerclient.CalloutMarker{{}},
		UnmatchedCount: 0,
	}}
	reporter := &fakeReporter{}
	committer := &fakeCommitter{}
	h := &CalloutHandler{Blob: blob, Container: detector, Reporter: reporter, Events: committer}

	job := jobmodel.CalloutJob{PlanID: "plan", ProjectID: "proj", OrganizationID: "org", SheetID: "sheet-0"}
	payload, _ := json.Marshal(job)

	if err := h.Handle(context.Background(), payload); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(committer.events) != 1 {
		t.Fatalf("expected one committed sheetCalloutsDetected event, got %d", len(committer.events))
	}
	if len(reporter.calloutsDetected) != 1 {
		t.Fatalf("expected sheetCalloutsDetected reported once, got %v", reporter.calloutsDetected)
	}
}

type fakeTileGenerator struct {
	archive []byte
	err     error
}

func (f *fakeTileGenerator) GenerateTiles(ctx context.Context, orgID, projectID, planID, sheetID string, png []byte) ([]byte, error) {
	return f.archive, f.err
}

func TestTilesHandlerHappyPath(t *testing.T) {
	blob := newFakeBlob()
	blob.objects["organizations/org/projects/proj/plans/plan/sheets/sheet-0/source.png"] = []byte("png")
	gen := &fakeTileGenerator{archive: []byte("pmtiles-bytes")}
	reporter := &fakeReporter{}
	h := &TilesHandler{Blob: blob, Container: gen, Reporter: reporter, MinZoom: 0, MaxZoom: 18}

	job := jobmodel.TilesJob{PlanID: "plan", ProjectID: "proj", OrganizationID: "org", SheetID: "sheet-0"}
	payload, _ := json.Marshal(job)

	if err := h.Handle(context.Background(), payload); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(reporter.tilesGenerated) != 1 {
		t.Fatalf("expected tiles reported once")
	}
	got := blob.objects["organizations/org/projects/proj/plans/plan/sheets/sheet-0/tiles.pmtiles"]
	if string(got) != "pmtiles-bytes" {
		t.Fatalf("stored archive = %q", got)
	}
}
