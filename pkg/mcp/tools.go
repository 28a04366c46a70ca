package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/servicehero/flowd/internal/diagram"
	"github.com/servicehero/flowd/internal/store"
	"github.com/servicehero/flowd/pkg/schema"
)

// handleStart launches an execution from a registered template.
func (s *FlowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := req.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("template_id is required"), nil
	}
	tenantID := req.GetString("tenant_id", "")
	payload := mcp.ParseStringMap(req, "payload", nil)

	executionID, startErr := s.executor.Start(ctx, templateID, tenantID, payload)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
	}

	// Capture session mapping so the terminal notification reaches this client.
	s.captureSession(ctx, executionID)

	return marshalResult(map[string]any{
		"execution_id": executionID,
		"status":       schema.StatusPending,
	})
}

// handleStatus returns the execution record with its step attempt history.
func (s *FlowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, statusErr := s.executor.Status(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	return marshalResult(exec)
}

// handleCancel requests cancellation of a pending or running execution.
func (s *FlowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if cancelErr := s.executor.Cancel(ctx, executionID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"execution_id": executionID,
		"cancelled":    true,
	})
}

// handleDefine validates and registers a workflow template.
func (s *FlowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tplRaw := mcp.ParseStringMap(req, "template", nil)
	if tplRaw == nil {
		return mcp.NewToolResultError("template is required"), nil
	}

	// Marshal then unmarshal to get a typed template.
	tplBytes, marshalErr := json.Marshal(tplRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid template: %v", marshalErr)), nil
	}
	var tpl schema.WorkflowTemplate
	if unmarshalErr := json.Unmarshal(tplBytes, &tpl); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid template: %v", unmarshalErr)), nil
	}

	if valErr := s.validator.ValidateTemplate(&tpl); valErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("template rejected: %v", valErr)), nil
	}

	if storeErr := s.store.PutTemplate(ctx, &tpl); storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store template: %v", storeErr)), nil
	}

	return marshalResult(map[string]any{
		"id":    tpl.ID,
		"steps": len(tpl.Steps),
	})
}

// handleDiagram renders a template, or an execution with its runtime status
// overlaid, in the requested diagram format.
func (s *FlowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	templateID := req.GetString("template_id", "")
	executionID := req.GetString("execution_id", "")
	if templateID == "" && executionID == "" {
		return mcp.NewToolResultError("at least one of template_id or execution_id is required"), nil
	}

	var tpl *schema.WorkflowTemplate
	var results []schema.StepResult

	if executionID != "" {
		exec, execErr := s.store.GetExecution(ctx, executionID)
		if execErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution not found: %v", execErr)), nil
		}
		tpl, err = s.store.GetTemplate(ctx, exec.TemplateID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("template lookup failed: %v", err)), nil
		}
		results, err = s.store.ListStepResults(ctx, executionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("step results lookup failed: %v", err)), nil
		}
	} else {
		tpl, err = s.store.GetTemplate(ctx, templateID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("template lookup failed: %v", err)), nil
		}
	}

	model, buildErr := diagram.Build(tpl, results)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default: // image
		png, imgErr := diagram.RenderImage(model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// handleQuery lists executions, events, templates, or triggers based on filters.
func (s *FlowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "templates":
		return s.queryTemplates(ctx, filter)
	case "triggers":
		return s.queryTriggers(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleAnalytics computes execution aggregates for an optional tenant,
// template, and time window.
func (s *FlowServer) handleAnalytics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := store.AnalyticsQuery{
		TenantID:   req.GetString("tenant_id", ""),
		TemplateID: req.GetString("template_id", ""),
	}
	if since := req.GetString("since", ""); since != "" {
		t, parseErr := time.Parse(time.RFC3339, since)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since: %v", parseErr)), nil
		}
		query.Since = &t
	}
	if until := req.GetString("until", ""); until != "" {
		t, parseErr := time.Parse(time.RFC3339, until)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid until: %v", parseErr)), nil
		}
		query.Until = &t
	}

	report, err := s.store.Analytics(ctx, query)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("analytics query failed: %v", err)), nil
	}
	return marshalResult(report)
}

// --- Query helpers ---

func (s *FlowServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		ws := schema.WorkflowStatus(status)
		ef.Status = &ws
	}
	if templateID, ok := filter["template_id"].(string); ok {
		ef.TemplateID = templateID
	}
	if tenantID, ok := filter["tenant_id"].(string); ok {
		ef.TenantID = tenantID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	executions, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *FlowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if executionID, ok := filter["execution_id"].(string); ok {
		ef.ExecutionID = executionID
	}
	if stepID, ok := filter["step_id"].(string); ok {
		ef.StepID = stepID
	}
	if eventType, ok := filter["event_type"].(string); ok {
		ef.EventType = eventType
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if ef.EventType != "" {
		// Filter by specific event type.
		events, err := s.store.GetEventsByType(ctx, ef.EventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	// No event type filter, so GetEvents needs an execution_id.
	if ef.ExecutionID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'execution_id' in filter"), nil
	}
	var since int64
	events, err := s.store.GetEvents(ctx, ef.ExecutionID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *FlowServer) queryTemplates(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	tf := store.TemplateFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if businessType, ok := filter["business_type"].(string); ok {
		tf.BusinessType = businessType
	}
	if category, ok := filter["category"].(string); ok {
		tf.Category = category
	}

	templates, err := s.store.ListTemplates(ctx, tf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"templates": templates})
}

func (s *FlowServer) queryTriggers(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	tf := store.ScheduledTriggerFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if tenantID, ok := filter["tenant_id"].(string); ok {
		tf.TenantID = tenantID
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		tf.Enabled = &enabled
	}

	triggers, err := s.store.ListScheduledTriggers(ctx, tf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"triggers": triggers})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the execution ID to the caller's MCP session so the
// event bridge can deliver the terminal notification.
func (s *FlowServer) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Watch(executionID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
