package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/servicehero/flowd/internal/diagram"
	"github.com/servicehero/flowd/internal/identity"
	"github.com/servicehero/flowd/internal/scheduler"
	"github.com/servicehero/flowd/internal/store"
	"github.com/servicehero/flowd/pkg/schema"
)

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics := s.deps.Executor.Metrics()
	openBreakers := 0
	for _, b := range s.deps.Executor.BreakerStates() {
		if b.State != "closed" {
			openBreakers++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"pool": map[string]any{
			"active":    metrics.Active,
			"completed": metrics.Completed,
			"failed":    metrics.Failed,
		},
		"open_breakers": openBreakers,
	})
}

// --- Templates ---

func (s *Server) handleRegisterTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl schema.WorkflowTemplate
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if err := s.deps.Validator.ValidateTemplate(&tpl); err != nil {
		writeFlowError(w, err)
		return
	}
	if err := s.deps.Store.PutTemplate(r.Context(), &tpl); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": tpl.ID})
}

func (s *Server) handleValidateTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl schema.WorkflowTemplate
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	result := s.deps.Validator.Check(&tpl)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.deps.Store.ListTemplates(r.Context(), store.TemplateFilter{
		BusinessType: r.URL.Query().Get("business_type"),
		Category:     r.URL.Query().Get("category"),
		Limit:        queryInt(r, "limit", 100),
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates, "count": len(templates)})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.deps.Store.GetTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteTemplate(r.Context(), id); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// --- Executions ---

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TemplateID string         `json:"template_id"`
		TenantID   string         `json:"tenant_id"`
		Payload    map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.TemplateID == "" {
		writeError(w, http.StatusBadRequest, "template_id is required")
		return
	}

	executionID, err := s.deps.Executor.Start(r.Context(), body.TemplateID, body.TenantID, body.Payload)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": executionID,
		"status":       string(schema.StatusPending),
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{
		TemplateID: r.URL.Query().Get("template_id"),
		TenantID:   r.URL.Query().Get("tenant_id"),
		Since:      queryTime(r, "since"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := schema.WorkflowStatus(raw)
		filter.Status = &status
	}

	executions, err := s.deps.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": executions, "count": len(executions)})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Executor.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Executor.Cancel(r.Context(), id); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
}

func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetExecution(r.Context(), id); err != nil {
		writeFlowError(w, err)
		return
	}
	events, err := s.deps.Store.GetEvents(r.Context(), id, queryInt64(r, "since", 0))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// --- Diagrams ---

func (s *Server) handleTemplateDiagram(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.deps.Store.GetTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	renderDiagram(w, r, tpl, nil)
}

func (s *Server) handleExecutionDiagram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	exec, err := s.deps.Store.GetExecution(ctx, r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	tpl, err := s.deps.Store.GetTemplate(ctx, exec.TemplateID)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	results, err := s.deps.Store.ListStepResults(ctx, exec.ID)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	renderDiagram(w, r, tpl, results)
}

// renderDiagram builds the template graph and writes it in the requested
// format, mermaid unless the query says otherwise.
func renderDiagram(w http.ResponseWriter, r *http.Request, tpl *schema.WorkflowTemplate, results []schema.StepResult) {
	model, err := diagram.Build(tpl, results)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	var out string
	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		out = diagram.RenderMermaid(model)
	case "ascii":
		out = diagram.RenderASCII(model)
	case "png":
		png, renderErr := diagram.RenderImage(model)
		if renderErr != nil {
			writeError(w, http.StatusInternalServerError, renderErr.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		w.Write(png)
		return
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown diagram format %q", format))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(out))
}

// --- Analytics and breakers ---

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Store.Analytics(r.Context(), store.AnalyticsQuery{
		TenantID:   r.URL.Query().Get("tenant_id"),
		TemplateID: r.URL.Query().Get("template_id"),
		Since:      queryTime(r, "since"),
		Until:      queryTime(r, "until"),
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	states := s.deps.Executor.BreakerStates()
	writeJSON(w, http.StatusOK, map[string]any{"breakers": states, "count": len(states)})
}

// --- Scheduled triggers ---

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		TemplateID     string          `json:"template_id"`
		TenantID       string          `json:"tenant_id"`
		CronExpression string          `json:"cron_expression"`
		Payload        json.RawMessage `json:"payload"`
		Enabled        *bool           `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.TemplateID == "" || body.CronExpression == "" {
		writeError(w, http.StatusBadRequest, "template_id and cron_expression are required")
		return
	}
	if err := scheduler.ValidateExpression(body.CronExpression); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.deps.Store.GetTemplate(ctx, body.TemplateID); err != nil {
		writeFlowError(w, err)
		return
	}

	now := time.Now().UTC()
	next, err := scheduler.NextRun(body.CronExpression, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	trig := &store.ScheduledTrigger{
		ID:             uuid.NewString(),
		TemplateID:     body.TemplateID,
		TenantID:       body.TenantID,
		CronExpression: body.CronExpression,
		Payload:        body.Payload,
		Enabled:        enabled,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.deps.Store.CreateScheduledTrigger(ctx, trig); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trig)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	filter := store.ScheduledTriggerFilter{
		TenantID: r.URL.Query().Get("tenant_id"),
		Limit:    queryInt(r, "limit", 100),
	}
	if raw := r.URL.Query().Get("enabled"); raw != "" {
		enabled := raw == "true"
		filter.Enabled = &enabled
	}

	triggers, err := s.deps.Store.ListScheduledTriggers(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": triggers, "count": len(triggers)})
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	trig, err := s.deps.Store.GetScheduledTrigger(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trig)
}

func (s *Server) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if err := s.deps.Store.UpdateScheduledTrigger(r.Context(), id, store.ScheduledTriggerUpdate{
		Enabled: body.Enabled,
	}); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteScheduledTrigger(r.Context(), id); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// --- Tenants ---

func (s *Server) handleRegisterTenant(w http.ResponseWriter, r *http.Request) {
	var body store.Tenant
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	tenant, err := identity.EnsureRegistered(r.Context(), s.deps.Store, &body)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tenant)
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.deps.Store.ListTenants(r.Context())
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants, "count": len(tenants)})
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.deps.Store.GetTenant(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleTenantUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Quota == nil {
		writeError(w, http.StatusServiceUnavailable, "quota tracking not configured")
		return
	}
	usage, err := s.deps.Quota.Usage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}
