package validation

import "github.com/servicehero/flowd/pkg/schema"

// Validator is the contract the engine and API layer use: templates are
// validated once at registration, trigger payloads on every Start.
type Validator interface {
	// ValidateTemplate returns nil for a registrable template, or a
	// TEMPLATE_INVALID error listing every violation.
	ValidateTemplate(tpl *schema.WorkflowTemplate) error

	// ValidatePayload checks a trigger payload against the payload_schema
	// declared by the template's trigger step. Violations are
	// VALIDATION_ERROR; a template without a declared schema accepts any
	// payload.
	ValidatePayload(tpl *schema.WorkflowTemplate, payload map[string]any) error
}

var _ Validator = (*TemplateValidator)(nil)
