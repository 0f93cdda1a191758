// Package orchestrator is the pipeline's intake surface: it turns an S3
// upload-notification webhook or a direct multipart upload into the single
// image-gen job that starts a plan's processing, generalizing the teacher's
// handleProcess/handleProcessUpload pair (internal/orchestrator/orchestrator.go)
// from one AI-dispatch job per file to one image-gen job per plan.
//
// Routing follows the teacher's plain net/http.ServeMux idiom rather than a
// router package: gorilla/mux sits in the teacher's go.mod only as an
// indirect, unimported transitive dependency, and every handler the teacher
// actually wires (here and in internal/web/web.go) registers against
// ServeMux directly with manual method checks and query-param parsing.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/local/planpipeline/internal/blobstore"
	"github.com/local/planpipeline/internal/events"
	"github.com/local/planpipeline/internal/jobmodel"
	"github.com/local/planpipeline/internal/pathkey"
	"github.com/local/planpipeline/internal/statuscheck"
)

// sourcePDFPattern matches pathkey.Tenant.SourcePDF()'s canonical layout,
// the only object key this service reacts to.
var sourcePDFPattern = regexp.MustCompile(`^organizations/([^/]+)/projects/([^/]+)/plans/([^/]+)/source\.pdf$`)

// Enqueuer is the subset of queue.Queues the intake surface needs: it only
// ever produces the stage-1 job. Every later stage is enqueued by the
// coordinator once a sheet's previous stage reports in.
type Enqueuer interface {
	EnqueueImageGen(ctx context.Context, job jobmodel.ImageGenJob) error
}

// Committer commits domain events; events.Emitter satisfies it directly.
type Committer interface {
	Commit(ctx context.Context, ev events.Event) error
}

// Dependencies wires the intake surface's collaborators.
type Dependencies struct {
	Blob             blobstore.Store
	Queue            Enqueuer
	Events           Committer
	Status           *statuscheck.Checker
	DefaultTimeoutMs int64
}

// Orchestrator is the HTTP entrypoint that turns an uploaded or
// already-stored source PDF into a running plan.
type Orchestrator struct {
	deps Dependencies
	log  *zerolog.Logger
}

func New(deps Dependencies, log *zerolog.Logger) *Orchestrator {
	return &Orchestrator{deps: deps, log: log}
}

// RegisterRoutes wires the intake surface onto mux.
func (o *Orchestrator) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", o.handleReady)
	mux.HandleFunc("/notify", o.handleNotify)
	mux.HandleFunc("/upload", o.handleUpload)
}

// handleReady reports the readiness of Redis, blob storage, and the compute
// container, so a load balancer can distinguish "process is up" (/healthz)
// from "dependencies are reachable" (/readyz).
func (o *Orchestrator) handleReady(w http.ResponseWriter, r *http.Request) {
	if o.deps.Status == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	summary := o.deps.Status.Summary(r.Context())
	status := http.StatusOK
	if !summary.Redis.OK || !summary.S3.OK || !summary.Container.OK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(summary)
}

// s3Notification is the minimal shape of an S3 bucket-notification event,
// trimmed to the fields this service reacts to.
type s3Notification struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// handleNotify ingests an S3 upload-notification webhook. Only
// ObjectCreated:Put/CompleteMultipartUpload events whose key matches the
// canonical source.pdf layout start a plan; everything else is acknowledged
// and dropped, since a notification a consumer doesn't understand is not an
// error, just noise (object-removed events, keys outside a plan's tree).
func (o *Orchestrator) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var note s3Notification
	if err := json.NewDecoder(r.Body).Decode(&note); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	for _, rec := range note.Records {
		if !isObjectCreated(rec.EventName) {
			continue
		}
		m := sourcePDFPattern.FindStringSubmatch(rec.S3.Object.Key)
		if m == nil {
			if o.log != nil {
				o.log.Debug().Str("key", rec.S3.Object.Key).Msg("notify: key does not match source.pdf layout, dropping")
			}
			continue
		}
		tenant := pathkey.Tenant{OrganizationID: m[1], ProjectID: m[2], PlanID: m[3]}
		if err := o.startPlan(r.Context(), tenant); err != nil {
			if o.log != nil {
				o.log.Error().Err(err).Str("planId", tenant.PlanID).Msg("notify: start plan failed")
			}
			http.Error(w, "failed to start plan", http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func isObjectCreated(eventName string) bool {
	return eventName == "ObjectCreated:Put" || eventName == "ObjectCreated:CompleteMultipartUpload" || eventName == "s3:ObjectCreated:Put" || eventName == "s3:ObjectCreated:CompleteMultipartUpload"
}

type uploadResp struct {
	PlanID string `json:"planId"`
	Status string `json:"status"`
}

// handleUpload accepts a source PDF directly, bypassing the S3 notification
// round-trip, grounded on the teacher's handleProcessUpload multipart
// handling. Office-document conversion (the teacher's LibreOffice step) is
// dropped: this pipeline's domain is architectural/engineering sheet sets
// delivered as PDF, so only application/pdf is accepted — content type is
// sniffed rather than trusted from the multipart header or filename.
func (o *Orchestrator) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	orgID := r.FormValue("organizationId")
	projectID := r.FormValue("projectId")
	if orgID == "" || projectID == "" {
		http.Error(w, "missing organizationId or projectId", http.StatusBadRequest)
		return
	}
	planName := r.FormValue("planName")
	planID := r.FormValue("planId")
	if planID == "" {
		planID = uuid.NewString()
	}

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read upload failed", http.StatusInternalServerError)
		return
	}

	mime := mimetype.Detect(data)
	if mime.String() != "application/pdf" {
		http.Error(w, fmt.Sprintf("unsupported file type: %s", mime.String()), http.StatusBadRequest)
		return
	}

	tenant := pathkey.Tenant{OrganizationID: orgID, ProjectID: projectID, PlanID: planID}
	if err := o.deps.Blob.Put(r.Context(), tenant.SourcePDF(), data, "application/pdf"); err != nil {
		if o.log != nil {
			o.log.Error().Err(err).Str("planId", planID).Msg("upload: store source pdf failed")
		}
		http.Error(w, "failed to store upload", http.StatusInternalServerError)
		return
	}

	if err := o.startPlanNamed(r.Context(), tenant, planName); err != nil {
		if o.log != nil {
			o.log.Error().Err(err).Str("planId", planID).Msg("upload: start plan failed")
		}
		http.Error(w, "failed to start plan", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(uploadResp{PlanID: planID, Status: "queued"})
}

func (o *Orchestrator) startPlan(ctx context.Context, tenant pathkey.Tenant) error {
	return o.startPlanNamed(ctx, tenant, "")
}

// startPlanNamed commits planProcessingStarted and enqueues the stage-1
// job. It deliberately does not initialize the coordinator's plan state:
// only the image-gen handler learns the authoritative sheet count, from the
// container's GenerateImages response, so only it is allowed to call
// Initialize.
func (o *Orchestrator) startPlanNamed(ctx context.Context, tenant pathkey.Tenant, planName string) error {
	if o.deps.Events != nil {
		ev := events.NewPlanProcessingStarted(tenant.OrganizationID, tenant.PlanID, time.Now().UnixMilli())
		if err := o.deps.Events.Commit(ctx, ev); err != nil && o.log != nil {
			o.log.Error().Err(err).Str("planId", tenant.PlanID).Msg("commit planProcessingStarted failed")
		}
	}

	job := jobmodel.ImageGenJob{
		PlanID:         tenant.PlanID,
		ProjectID:      tenant.ProjectID,
		OrganizationID: tenant.OrganizationID,
		PDFPath:        tenant.SourcePDF(),
		PlanName:       planName,
		TimeoutMs:      o.deps.DefaultTimeoutMs,
	}
	return o.deps.Queue.EnqueueImageGen(ctx, job)
}
