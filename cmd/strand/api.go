package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"goa.design/clue/log"

	"github.com/strandsec/strand/runtime/approval"
	"github.com/strandsec/strand/runtime/event"
	"github.com/strandsec/strand/runtime/graph"
	"github.com/strandsec/strand/runtime/orchestrator"
	"github.com/strandsec/strand/runtime/registry"
	"github.com/strandsec/strand/runtime/run"
	"github.com/strandsec/strand/runtime/trigger"
	"github.com/strandsec/strand/runtime/workflow"
)

// apiDeps carries everything the JSON API needs.
type apiDeps struct {
	orch      *orchestrator.Orchestrator
	manual    *trigger.Manual
	workflows workflow.Store
	scheduler *trigger.Scheduler
	webhooks  *trigger.Webhook
	registry  *registry.Registry
}

// mountAPI registers the JSON API on mux. Webhook deliveries and the tool
// gateway have their own handlers; everything else lives here.
func mountAPI(mux *http.ServeMux, deps *apiDeps) {
	mux.HandleFunc("GET /components", deps.listComponents)
	mux.HandleFunc("POST /graphs/validate", deps.validateGraph)

	mux.HandleFunc("PUT /workflows/{id}", deps.saveWorkflow)
	mux.HandleFunc("GET /workflows/{id}", deps.getWorkflow)
	mux.HandleFunc("GET /workflows", deps.listWorkflows)
	mux.HandleFunc("DELETE /workflows/{id}", deps.deleteWorkflow)
	mux.HandleFunc("POST /workflows/{id}/runs", deps.submitRun)

	mux.HandleFunc("GET /runs", deps.listRuns)
	mux.HandleFunc("GET /runs/{id}", deps.getRun)
	mux.HandleFunc("POST /runs/{id}/cancel", deps.cancelRun)
	mux.HandleFunc("GET /runs/{id}/events", deps.streamEvents)

	mux.HandleFunc("POST /approvals/{token}", deps.decideApproval)
	mux.HandleFunc("POST /forms/{request}", deps.submitForm)

	mux.HandleFunc("PUT /schedules/{id}", deps.setSchedule)
	mux.HandleFunc("DELETE /schedules/{id}", deps.removeSchedule)
	mux.HandleFunc("PUT /webhooks/{source}", deps.registerHook)
}

func (d *apiDeps) listComponents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.registry.List())
}

func (d *apiDeps) validateGraph(w http.ResponseWriter, r *http.Request) {
	var g graph.Graph
	if !readJSON(w, r, &g) {
		return
	}
	writeJSON(w, http.StatusOK, graph.Validate(&g, d.registry))
}

func (d *apiDeps) saveWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf graph.Workflow
	if !readJSON(w, r, &wf) {
		return
	}
	wf.ID = r.PathValue("id")
	if report := graph.Validate(&wf.Graph, d.registry); !report.Valid() {
		writeJSON(w, http.StatusUnprocessableEntity, report)
		return
	}
	if err := d.workflows.Save(r.Context(), &wf); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &wf)
}

func (d *apiDeps) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := d.workflows.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (d *apiDeps) listWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := d.workflows.List(r.Context(), r.URL.Query().Get("tenant"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wfs)
}

func (d *apiDeps) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := d.workflows.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *apiDeps) submitRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Inputs         map[string]any `json:"inputs"`
		IdempotencyKey string         `json:"idempotencyKey"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	started, err := d.manual.Submit(r.Context(), r.PathValue("id"), body.Inputs, body.IdempotencyKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

func (d *apiDeps) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := run.ListFilter{
		WorkflowID: q.Get("workflow"),
		TenantID:   q.Get("tenant"),
		Status:     run.Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	runs, err := d.orch.ListRuns(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (d *apiDeps) getRun(w http.ResponseWriter, r *http.Request) {
	got, err := d.orch.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (d *apiDeps) cancelRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if err := d.orch.Cancel(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// streamEvents serves a run's event log as server-sent events. Replay starts
// after the "after" cursor and continues live until the client disconnects or
// the subscription overruns; on overrun the client reconnects with the cursor
// from the overrun marker.
func (d *apiDeps) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "bad after cursor", http.StatusBadRequest)
			return
		}
		after = n
	}
	sub := d.orch.SubscribeEvents(r.Context(), r.PathValue("id"), after)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for ev := range sub.C() {
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: ", ev.Sequence, ev.Kind)
		if err := enc.Encode(ev); err != nil {
			return
		}
		fmt.Fprint(w, "\n")
		flusher.Flush()
	}
	if err := sub.Err(); err != nil && !errors.Is(err, event.ErrOverrun) {
		log.Errorf(r.Context(), err, "event stream ended")
	}
}

func (d *apiDeps) decideApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DecidedBy string `json:"decidedBy"`
		Note      string `json:"note"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if err := d.orch.DecideApproval(r.Context(), r.PathValue("token"), body.DecidedBy, body.Note); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *apiDeps) submitForm(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if !readJSON(w, r, &body) {
		return
	}
	if err := d.orch.SubmitFormResponse(r.Context(), r.PathValue("request"), body); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *apiDeps) setSchedule(w http.ResponseWriter, r *http.Request) {
	var sched trigger.Schedule
	if !readJSON(w, r, &sched) {
		return
	}
	sched.ID = r.PathValue("id")
	if _, err := d.workflows.Get(r.Context(), sched.WorkflowID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := d.scheduler.Set(sched); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (d *apiDeps) removeSchedule(w http.ResponseWriter, r *http.Request) {
	d.scheduler.Remove(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (d *apiDeps) registerHook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkflowID string `json:"workflowId"`
		Secret     string `json:"secret"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Secret == "" {
		http.Error(w, "secret is required", http.StatusBadRequest)
		return
	}
	if _, err := d.workflows.Get(r.Context(), body.WorkflowID); err != nil {
		writeError(w, r, err)
		return
	}
	d.webhooks.Register(trigger.Hook{
		Source:     r.PathValue("source"),
		WorkflowID: body.WorkflowID,
		Secret:     []byte(body.Secret),
	})
	w.WriteHeader(http.StatusNoContent)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		http.Error(w, fmt.Sprintf("decode body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, workflow.ErrNotFound),
		errors.Is(err, run.ErrNotFound),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, orchestrator.ErrUnknownWaitToken):
		status = http.StatusNotFound
	case errors.Is(err, run.ErrConflict),
		errors.Is(err, approval.ErrDecided),
		errors.Is(err, orchestrator.ErrRunNotActive):
		status = http.StatusConflict
	case errors.Is(err, trigger.ErrMissingInput):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrInvalidGraph),
		errors.Is(err, trigger.ErrBadCron):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		log.Errorf(r.Context(), err, "request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
