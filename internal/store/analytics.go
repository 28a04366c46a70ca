package store

import (
	"context"
	"fmt"
	"strings"
)

// Analytics computes an aggregate report over executions and step results.
// Success rate is completed over terminal executions (completed, failed,
// cancelled); running and pending executions do not count against it.
// Time saved is the sum over templates of completed runs times the template's
// estimated manual minutes.
func (s *LibSQLStore) Analytics(ctx context.Context, q AnalyticsQuery) (*AnalyticsReport, error) {
	where, args := buildAnalyticsWhere(q)

	report := &AnalyticsReport{}

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN e.status = 'completed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN e.status = 'failed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN e.status = 'cancelled' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN e.status IN ('pending', 'running') THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(CASE WHEN e.started_at IS NOT NULL AND e.ended_at IS NOT NULL
			THEN (julianday(e.ended_at) - julianday(e.started_at)) * 86400000.0 END), 0)
	FROM executions e` + where

	var total, completed, failed, cancelled, running int64
	var avgMs float64
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&total, &completed, &failed, &cancelled, &running, &avgMs)
	if err != nil {
		return nil, fmt.Errorf("execution aggregates: %w", err)
	}
	report.TotalExecutions = total
	report.Completed = completed
	report.Failed = failed
	report.Cancelled = cancelled
	report.Running = running
	report.AvgDurationMs = int64(avgMs)
	if terminal := completed + failed + cancelled; terminal > 0 {
		report.SuccessRate = float64(completed) / float64(terminal)
	}

	actionsQuery := `SELECT COUNT(*) FROM step_results sr
		JOIN executions e ON e.id = sr.execution_id` +
		andWhere(where, "sr.kind = 'action' AND sr.status = 'success'")
	err = s.db.QueryRowContext(ctx, actionsQuery, args...).Scan(&report.ActionsExecuted)
	if err != nil {
		return nil, fmt.Errorf("action count: %w", err)
	}

	templateQuery := `SELECT
		e.template_id,
		COALESCE(t.name, e.template_id),
		COALESCE(t.estimated_minutes, 0),
		COUNT(*),
		SUM(CASE WHEN e.status = 'completed' THEN 1 ELSE 0 END),
		SUM(CASE WHEN e.status = 'failed' THEN 1 ELSE 0 END)
	FROM executions e
	LEFT JOIN templates t ON t.id = e.template_id` + where +
		` GROUP BY e.template_id ORDER BY COUNT(*) DESC`

	rows, err := s.db.QueryContext(ctx, templateQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("template breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ta TemplateAnalytics
		var estimatedMinutes int64
		if err := rows.Scan(&ta.TemplateID, &ta.Name, &estimatedMinutes,
			&ta.Executions, &ta.Completed, &ta.Failed); err != nil {
			return nil, err
		}
		if terminal := ta.Completed + ta.Failed; terminal > 0 {
			ta.SuccessRate = float64(ta.Completed) / float64(terminal)
		}
		ta.TimeSavedMinutes = ta.Completed * estimatedMinutes
		report.TimeSavedMinutes += ta.TimeSavedMinutes
		report.ByTemplate = append(report.ByTemplate, ta)
	}
	return report, rows.Err()
}

// buildAnalyticsWhere builds the shared WHERE clause for analytics queries.
// All queries alias the executions table as "e".
func buildAnalyticsWhere(q AnalyticsQuery) (string, []any) {
	var conds []string
	var args []any

	if q.TenantID != "" {
		conds = append(conds, "e.tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if q.TemplateID != "" {
		conds = append(conds, "e.template_id = ?")
		args = append(args, q.TemplateID)
	}
	if q.Since != nil {
		conds = append(conds, "e.created_at >= ?")
		args = append(args, *q.Since)
	}
	if q.Until != nil {
		conds = append(conds, "e.created_at < ?")
		args = append(args, *q.Until)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// andWhere appends extra conditions to a possibly empty WHERE clause.
func andWhere(where, extra string) string {
	if where == "" {
		return " WHERE " + extra
	}
	return where + " AND " + extra
}
