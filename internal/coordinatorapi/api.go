// Package coordinatorapi exposes the coordinator's per-plan RPC surface of
// spec.md §6 over plain HTTP, in the teacher's net/http.ServeMux style
// (path-prefix HandleFunc registration, query-param request shapes,
// json.NewDecoder/Encoder bodies) rather than a router framework the
// teacher never actually wires up (gorilla/mux sits unused/indirect in
// its go.mod).
package coordinatorapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/local/planpipeline/internal/coordinator"
	"github.com/local/planpipeline/internal/errkind"
)

// API registers the coordinator's HTTP surface.
type API struct {
	coord *coordinator.Coordinator
	log   *zerolog.Logger
}

func New(coord *coordinator.Coordinator, log *zerolog.Logger) *API {
	return &API{coord: coord, log: log}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/initialize", a.handleInitialize)
	mux.HandleFunc("/getState", a.handleGetState)
	mux.HandleFunc("/getProgress", a.handleGetProgress)
	mux.HandleFunc("/sheetImageGenerated", a.handleSheetImageGenerated)
	mux.HandleFunc("/sheetMetadataExtracted", a.handleSheetMetadataExtracted)
	mux.HandleFunc("/sheetCalloutsDetected", a.handleSheetCalloutsDetected)
	mux.HandleFunc("/sheetLayoutDetected", a.handleSheetLayoutDetected)
	mux.HandleFunc("/sheetTilesGenerated", a.handleSheetTilesGenerated)
	mux.HandleFunc("/markFailed", a.handleMarkFailed)
}

type initializeReq struct {
	PlanID         string `json:"planId"`
	ProjectID      string `json:"projectId"`
	OrganizationID string `json:"organizationId"`
	TotalSheets    int    `json:"totalSheets"`
	TimeoutMs      int64  `json:"timeoutMs"`
}

func (a *API) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req initializeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.PlanID == "" || req.OrganizationID == "" {
		http.Error(w, "missing planId/organizationId", http.StatusBadRequest)
		return
	}
	state, err := a.coord.Initialize(r.Context(), req.PlanID, req.ProjectID, req.OrganizationID, req.TotalSheets, req.TimeoutMs)
	if errors.Is(err, coordinator.ErrAlreadyInitialized) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if a.writeErr(w, err) {
		return
	}
	a.writeJSON(w, state)
}

func (a *API) handleGetState(w http.ResponseWriter, r *http.Request) {
	planID := r.URL.Query().Get("planId")
	if planID == "" {
		http.Error(w, "missing planId", http.StatusBadRequest)
		return
	}
	state, err := a.coord.GetState(r.Context(), planID)
	if a.writeErr(w, err) {
		return
	}
	if state == nil {
		http.Error(w, "plan not found", http.StatusNotFound)
		return
	}
	a.writeJSON(w, state)
}

func (a *API) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	planID := r.URL.Query().Get("planId")
	if planID == "" {
		http.Error(w, "missing planId", http.StatusBadRequest)
		return
	}
	progress, err := a.coord.GetProgress(r.Context(), planID)
	if a.writeErr(w, err) {
		return
	}
	if progress == nil {
		http.Error(w, "plan not found", http.StatusNotFound)
		return
	}
	a.writeJSON(w, progress)
}

func (a *API) handleSheetImageGenerated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	planID, sheetID := r.URL.Query().Get("planId"), r.URL.Query().Get("sheetId")
	if planID == "" || sheetID == "" {
		http.Error(w, "missing planId/sheetId", http.StatusBadRequest)
		return
	}
	state, err := a.coord.SheetImageGenerated(r.Context(), planID, sheetID)
	a.respondReport(w, state, err)
}

type metadataExtractedReq struct {
	IsValid     bool   `json:"isValid"`
	SheetNumber string `json:"sheetNumber"`
}

func (a *API) handleSheetMetadataExtracted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	planID, sheetID := r.URL.Query().Get("planId"), r.URL.Query().Get("sheetId")
	if planID == "" || sheetID == "" {
		http.Error(w, "missing planId/sheetId", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	var req metadataExtractedReq
	_ = json.NewDecoder(r.Body).Decode(&req)
	state, err := a.coord.SheetMetadataExtracted(r.Context(), planID, sheetID, req.IsValid, req.SheetNumber)
	a.respondReport(w, state, err)
}

func (a *API) handleSheetCalloutsDetected(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	planID, sheetID := r.URL.Query().Get("planId"), r.URL.Query().Get("sheetId")
	if planID == "" || sheetID == "" {
		http.Error(w, "missing planId/sheetId", http.StatusBadRequest)
		return
	}
	state, err := a.coord.SheetCalloutsDetected(r.Context(), planID, sheetID)
	a.respondReport(w, state, err)
}

func (a *API) handleSheetLayoutDetected(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	planID, sheetID := r.URL.Query().Get("planId"), r.URL.Query().Get("sheetId")
	if planID == "" || sheetID == "" {
		http.Error(w, "missing planId/sheetId", http.StatusBadRequest)
		return
	}
	state, err := a.coord.SheetLayoutDetected(r.Context(), planID, sheetID)
	a.respondReport(w, state, err)
}

func (a *API) handleSheetTilesGenerated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	planID, sheetID := r.URL.Query().Get("planId"), r.URL.Query().Get("sheetId")
	if planID == "" || sheetID == "" {
		http.Error(w, "missing planId/sheetId", http.StatusBadRequest)
		return
	}
	state, err := a.coord.SheetTilesGenerated(r.Context(), planID, sheetID)
	a.respondReport(w, state, err)
}

type markFailedReq struct {
	Error string `json:"error"`
}

func (a *API) handleMarkFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	planID := r.URL.Query().Get("planId")
	if planID == "" {
		http.Error(w, "missing planId", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	var req markFailedReq
	_ = json.NewDecoder(r.Body).Decode(&req)
	state, err := a.coord.MarkFailed(r.Context(), planID, req.Error)
	a.respondReport(w, state, err)
}

func (a *API) respondReport(w http.ResponseWriter, state *coordinator.State, err error) {
	if a.writeErr(w, err) {
		return
	}
	if state == nil {
		http.Error(w, "plan not found", http.StatusNotFound)
		return
	}
	a.writeJSON(w, state)
}

// writeErr classifies err through errkind and maps it to an HTTP status;
// returns true if it wrote a response (caller should stop processing).
func (a *API) writeErr(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	kind := errkind.Classify(err, false)
	code := http.StatusInternalServerError
	if kind == errkind.PermanentExternal || kind == errkind.Invariant {
		code = http.StatusBadRequest
	}
	if a.log != nil {
		a.log.Error().Err(err).Str("kind", kind.String()).Msg("coordinatorapi request failed")
	}
	http.Error(w, err.Error(), code)
	return true
}

func (a *API) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil && a.log != nil {
		a.log.Error().Err(err).Msg("encode response failed")
	}
}
