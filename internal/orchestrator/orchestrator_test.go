package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/local/planpipeline/internal/events"
	"github.com/local/planpipeline/internal/jobmodel"
)

type fakeBlob struct {
	stored map[string][]byte
}

func newFakeBlob() *fakeBlob { return &fakeBlob{stored: map[string][]byte{}} }

func (b *fakeBlob) Get(ctx context.Context, key string) ([]byte, error) { return b.stored[key], nil }
func (b *fakeBlob) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	return b.stored[key], nil
}
func (b *fakeBlob) Put(ctx context.Context, key string, data []byte, contentType string) error {
	b.stored[key] = data
	return nil
}

type fakeEnqueuer struct {
	jobs []jobmodel.ImageGenJob
}

func (e *fakeEnqueuer) EnqueueImageGen(ctx context.Context, job jobmodel.ImageGenJob) error {
	e.jobs = append(e.jobs, job)
	return nil
}

type fakeCommitter struct {
	events []events.Event
}

func (c *fakeCommitter) Commit(ctx context.Context, ev events.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func newTestServer() (*httptest.Server, *fakeBlob, *fakeEnqueuer, *fakeCommitter) {
	blob := newFakeBlob()
	enq := &fakeEnqueuer{}
	committer := &fakeCommitter{}
	o := New(Dependencies{Blob: blob, Queue: enq, Events: committer, DefaultTimeoutMs: 60000}, nil)
	mux := http.NewServeMux()
	o.RegisterRoutes(mux)
	return httptest.NewServer(mux), blob, enq, committer
}

func TestHandleNotifyMatchingKeyEnqueuesJob(t *testing.T) {
	srv, _, enq, committer := newTestServer()
	defer srv.Close()

	body := `{"Records":[{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"plans"},"object":{"key":"organizations/org1/projects/proj1/plans/plan1/source.pdf"}}}]}`
	resp, err := http.Post(srv.URL+"/notify", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST /notify: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(enq.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(enq.jobs))
	}
	if enq.jobs[0].PlanID != "plan1" || enq.jobs[0].ProjectID != "proj1" || enq.jobs[0].OrganizationID != "org1" {
		t.Fatalf("job = %+v, want plan1/proj1/org1", enq.jobs[0])
	}
	if len(committer.events) != 1 || committer.events[0].Name != events.PlanProcessingStarted {
		t.Fatalf("events = %+v, want one planProcessingStarted", committer.events)
	}
}

func TestHandleNotifyNonMatchingKeyDropped(t *testing.T) {
	srv, _, enq, _ := newTestServer()
	defer srv.Close()

	body := `{"Records":[{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"plans"},"object":{"key":"organizations/org1/projects/proj1/plans/plan1/sheets/sheet-0/source.png"}}}]}`
	resp, err := http.Post(srv.URL+"/notify", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST /notify: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(enq.jobs) != 0 {
		t.Fatalf("jobs = %d, want 0", len(enq.jobs))
	}
}

func TestHandleNotifyIgnoresOtherEventTypes(t *testing.T) {
	srv, _, enq, _ := newTestServer()
	defer srv.Close()

	body := `{"Records":[{"eventName":"ObjectRemoved:Delete","s3":{"bucket":{"name":"plans"},"object":{"key":"organizations/org1/projects/proj1/plans/plan1/source.pdf"}}}]}`
	resp, err := http.Post(srv.URL+"/notify", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST /notify: %v", err)
	}
	defer resp.Body.Close()
	if len(enq.jobs) != 0 {
		t.Fatalf("jobs = %d, want 0", len(enq.jobs))
	}
}

func TestHandleUploadStoresPDFAndEnqueues(t *testing.T) {
	srv, blob, enq, _ := newTestServer()
	defer srv.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", "source.pdf")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	pdfBytes := append([]byte("%PDF-1.4\n"), []byte("fake pdf body")...)
	if _, err := fw.Write(pdfBytes); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	_ = w.WriteField("organizationId", "org1")
	_ = w.WriteField("projectId", "proj1")
	_ = w.WriteField("planId", "plan1")
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/upload", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var out uploadResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.PlanID != "plan1" {
		t.Fatalf("planId = %q, want plan1", out.PlanID)
	}
	if len(enq.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(enq.jobs))
	}
	if _, ok := blob.stored["organizations/org1/projects/proj1/plans/plan1/source.pdf"]; !ok {
		t.Fatalf("pdf not stored at canonical path")
	}
}

func TestHandleReadyWithoutStatusCheckerReportsOK(t *testing.T) {
	srv, _, _, _ := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHandleUploadRejectsNonPDF(t *testing.T) {
	srv, _, enq, _ := newTestServer()
	defer srv.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, _ := w.CreateFormFile("file", "notes.txt")
	_, _ = fw.Write([]byte("just some plain text, not a pdf"))
	_ = w.WriteField("organizationId", "org1")
	_ = w.WriteField("projectId", "proj1")
	_ = w.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if len(enq.jobs) != 0 {
		t.Fatalf("jobs = %d, want 0 after rejected upload", len(enq.jobs))
	}
}
