// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/ssewanyana/dhisync/internal/dhis2"
	"github.com/ssewanyana/dhisync/internal/logging"
	"github.com/ssewanyana/dhisync/internal/models"
	"github.com/ssewanyana/dhisync/internal/pipeline"
	"github.com/ssewanyana/dhisync/internal/scheduler"
	"github.com/ssewanyana/dhisync/internal/source"
	"github.com/ssewanyana/dhisync/internal/store"
	"github.com/ssewanyana/dhisync/internal/validation"
)

// Destination is the slice of the destination client the admin surface
// needs for passthrough queries.
type Destination interface {
	Get(ctx context.Context, path string, params url.Values, result any) error
	GetProgramAttributes(ctx context.Context, program string) ([]dhis2.ProgramAttribute, error)
}

// Exporter runs the attribute-export pipeline on demand with caller
// overrides.
type Exporter interface {
	Export(ctx context.Context, job models.JobDefinition, opts pipeline.ExportOptions) ([]models.Record, []models.SubmissionOutcome, error)
}

// Handlers holds the admin surface's dependencies.
type Handlers struct {
	sched    *scheduler.Scheduler
	store    *store.JobStore
	dest     Destination
	exporter Exporter
	fetcher  *source.Fetcher
	version  string
	started  time.Time
}

// NewHandlers wires the admin handlers.
func NewHandlers(sched *scheduler.Scheduler, st *store.JobStore, dest Destination, exporter Exporter, fetcher *source.Fetcher, version string) *Handlers {
	return &Handlers{
		sched:    sched,
		store:    st,
		dest:     dest,
		exporter: exporter,
		fetcher:  fetcher,
		version:  version,
		started:  time.Now(),
	}
}

// CreateSchedule handles POST /schedules.
func (h *Handlers) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var def models.JobDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := h.registerAndStore(def); err != nil {
		h.writeRegistrationError(w, err)
		return
	}
	WriteCreated(w, def)
}

// UpdateSchedule handles PUT /schedules/{name}. The path name wins over
// any name in the body.
func (h *Handlers) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := h.sched.Get(name); errors.Is(err, models.ErrNotFound) {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "no schedule named "+name)
		return
	}

	var def models.JobDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	def.Name = name

	if err := h.registerAndStore(def); err != nil {
		h.writeRegistrationError(w, err)
		return
	}
	WriteSuccess(w, def)
}

func (h *Handlers) registerAndStore(def models.JobDefinition) error {
	if err := validation.JobDefinition(def); err != nil {
		return err
	}
	if err := h.sched.Register(def); err != nil {
		return err
	}
	if err := h.store.Put(def); err != nil {
		// Registration succeeded but persistence failed; the trigger is
		// live until restart, so surface the inconsistency loudly.
		logging.Error().Err(err).Str("job", def.Name).Msg("Job registered but not persisted")
		return err
	}
	return nil
}

func (h *Handlers) writeRegistrationError(w http.ResponseWriter, err error) {
	var verrs *validation.Errors
	switch {
	case errors.As(err, &verrs):
		WriteValidationError(w, "job definition rejected", verrs.Fields)
	case errors.Is(err, models.ErrConfiguration):
		WriteError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

// ListSchedules handles GET /schedules.
func (h *Handlers) ListSchedules(w http.ResponseWriter, _ *http.Request) {
	defs := h.sched.List()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	WriteSuccess(w, defs)
}

// GetSchedule handles GET /schedules/{name}.
func (h *Handlers) GetSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	def, err := h.sched.Get(name)
	if errors.Is(err, models.ErrNotFound) {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "no schedule named "+name)
		return
	}
	WriteSuccess(w, def)
}

// DeleteSchedule handles DELETE /schedules/{name}: cancels the trigger
// and removes definition and run state.
func (h *Handlers) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.sched.Deregister(name); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			WriteError(w, http.StatusNotFound, ErrCodeNotFound, "no schedule named "+name)
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	if err := h.store.Delete(name); err != nil {
		logging.Error().Err(err).Str("job", name).Msg("Job deregistered but store delete failed")
	}
	WriteNoContent(w)
}

// stopRequest is the body of POST /stop.
type stopRequest struct {
	Name string `json:"name"`
}

// StopSchedule handles POST /stop: pauses a job's trigger without
// deleting the definition.
func (h *Handlers) StopSchedule(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	name := req.Name
	if err := h.sched.Pause(name); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			WriteError(w, http.StatusNotFound, ErrCodeNotFound, "no schedule named "+name)
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	if def, err := h.sched.Get(name); err == nil {
		if err := h.store.Put(def); err != nil {
			logging.Error().Err(err).Str("job", name).Msg("Paused state not persisted")
		}
	}
	WriteSuccess(w, map[string]any{"name": name, "paused": true})
}

// RunSchedule handles POST /schedules/{name}/run: one immediate fire,
// still subject to the single-in-flight guarantee.
func (h *Handlers) RunSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := h.sched.FireNow(name)
	switch {
	case errors.Is(err, models.ErrNotFound):
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "no schedule named "+name)
	case errors.Is(err, scheduler.ErrFireInFlight):
		WriteError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case err != nil:
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	default:
		WriteSuccess(w, map[string]any{"name": name, "triggered": true})
	}
}

// scheduleInfo is one row of the info snapshot.
type scheduleInfo struct {
	Name            string `json:"name"`
	Cadence         string `json:"cadence"`
	JobType         string `json:"jobType"`
	Paused          bool   `json:"paused"`
	LastCompletedAt string `json:"lastCompletedAt,omitempty"`
	NextFireAt      string `json:"nextFireAt,omitempty"`
}

// Info handles GET /info: definitions joined with run state.
func (h *Handlers) Info(w http.ResponseWriter, _ *http.Request) {
	states := h.sched.Tracker().Snapshot()
	defs := h.sched.List()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	rows := make([]scheduleInfo, 0, len(defs))
	for _, def := range defs {
		row := scheduleInfo{
			Name:    def.Name,
			Cadence: def.Cadence,
			JobType: def.JobType,
			Paused:  def.Paused,
		}
		if st, ok := states[def.Name]; ok {
			if !st.LastCompletedAt.IsZero() {
				row.LastCompletedAt = st.LastCompletedAt.Format(models.TimestampLayout)
			}
			if !st.NextFireAt.IsZero() {
				row.NextFireAt = st.NextFireAt.Format(models.TimestampLayout)
			}
		}
		rows = append(rows, row)
	}

	WriteSuccess(w, map[string]any{
		"version":   h.version,
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"schedules": rows,
	})
}

// manualRequest is the body of POST /manual. The optional fields
// override the stored definition for this invocation only.
type manualRequest struct {
	Name                string `json:"name"`
	Program             string `json:"program,omitempty"`
	Upstream            string `json:"upstream,omitempty"`
	LastUpdatedDuration string `json:"lastUpdatedDuration,omitempty"`
}

// Manual handles POST /manual: run the attribute-export pipeline
// synchronously with any caller-supplied window overrides and return the
// flattened records plus per-page outcomes.
func (h *Handlers) Manual(w http.ResponseWriter, r *http.Request) {
	var req manualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	def, err := h.sched.Get(req.Name)
	if errors.Is(err, models.ErrNotFound) {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "no schedule named "+req.Name)
		return
	}
	if def.JobType != models.JobTypeAttributeExport {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "schedule is not an attribute-export job")
		return
	}

	opts := pipeline.ExportOptions{
		Program:             req.Program,
		UpstreamURL:         req.Upstream,
		LastUpdatedDuration: req.LastUpdatedDuration,
	}
	records, outcomes, err := h.exporter.Export(r.Context(), def, opts)
	if err != nil {
		WriteError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
		return
	}
	WriteSuccess(w, map[string]any{
		"records":  records,
		"outcomes": outcomes,
	})
}

// proxyRequest is the body of POST /proxy.
type proxyRequest struct {
	URL      string            `json:"url"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

// Proxy handles POST /proxy: an authenticated passthrough GET against an
// arbitrary upstream, probed first so a dead host fails fast.
func (h *Handlers) Proxy(w http.ResponseWriter, r *http.Request) {
	var req proxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.URL == "" {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "url is required")
		return
	}

	mapping := models.Mapping{
		SourceURL:      req.URL,
		SourceUsername: req.Username,
		SourcePassword: req.Password,
	}
	params := url.Values{}
	for k, v := range req.Params {
		params.Set(k, v)
	}

	records, err := h.fetcher.Fetch(r.Context(), mapping, params)
	if err != nil {
		h.writeFetchError(w, err)
		return
	}
	WriteSuccess(w, records)
}

// Query handles GET /query: passthrough GET against the destination API.
// The path query parameter names the endpoint; all other parameters are
// forwarded.
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "path is required")
		return
	}

	params := url.Values{}
	for k, vs := range r.URL.Query() {
		if k == "path" {
			continue
		}
		params[k] = vs
	}

	var result json.RawMessage
	if err := h.dest.Get(r.Context(), path, params, &result); err != nil {
		WriteError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
		return
	}
	WriteSuccess(w, result)
}

// Attributes handles GET /attributes?program=: program attribute
// metadata from the destination, used to author mappings.
func (h *Handlers) Attributes(w http.ResponseWriter, r *http.Request) {
	program := r.URL.Query().Get("program")
	if program == "" {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "program is required")
		return
	}

	attrs, err := h.dest.GetProgramAttributes(r.Context(), program)
	if err != nil {
		WriteError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
		return
	}
	WriteSuccess(w, attrs)
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	WriteSuccess(w, map[string]any{
		"status":  "ok",
		"version": h.version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *Handlers) writeFetchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrUnreachable):
		WriteError(w, http.StatusBadGateway, ErrCodeUnreachable, err.Error())
	case errors.Is(err, models.ErrConfiguration):
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	default:
		WriteError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
	}
}
