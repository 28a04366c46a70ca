// gen-diagrams generates sample diagram outputs for README documentation.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/servicehero/flowd/internal/diagram"
	"github.com/servicehero/flowd/pkg/schema"
)

func main() {
	// Branching template: request received → urgency check → page or queue → log.
	tpl := &schema.WorkflowTemplate{
		ID:   "emergency-triage",
		Name: "Emergency Triage",
		Steps: []schema.Step{
			{ID: "request_received", Kind: schema.StepKindTrigger,
				Config:    map[string]any{schema.ConfigKeyEvent: "request.received"},
				NextSteps: []string{"check_urgency"}},
			{ID: "check_urgency", Kind: schema.StepKindCondition,
				Config: map[string]any{schema.ConfigKeyExpression: `urgency == "critical"`},
				Branches: map[string]string{
					schema.BranchTrue:  "page_oncall",
					schema.BranchFalse: "wait_business_hours",
				}},
			{ID: "page_oncall", Kind: schema.StepKindAction,
				Config: map[string]any{
					schema.ConfigKeyService: "sms",
					schema.ConfigKeyAction:  "send",
				},
				NextSteps: []string{"log_dispatch"}},
			{ID: "wait_business_hours", Kind: schema.StepKindDelay,
				Config:    map[string]any{schema.ConfigKeyHours: float64(8)},
				NextSteps: []string{"log_dispatch"}},
			{ID: "log_dispatch", Kind: schema.StepKindAction,
				Config: map[string]any{
					schema.ConfigKeyService: "http",
					schema.ConfigKeyAction:  "request",
				}},
		},
	}

	results := []schema.StepResult{
		{StepID: "request_received", Attempt: 1, Status: schema.StepStatusSuccess},
		{StepID: "check_urgency", Attempt: 1, Status: schema.StepStatusSuccess},
		{StepID: "page_oncall", Attempt: 1, Status: schema.StepStatusFailed},
		{StepID: "page_oncall", Attempt: 2, Status: schema.StepStatusSuccess},
		{StepID: "log_dispatch", Attempt: 1, Status: schema.StepStatusRunning},
	}

	model, err := diagram.Build(tpl, results)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build error: %v\n", err)
		os.Exit(1)
	}

	outDir := filepath.Join("docs", "assets")
	os.MkdirAll(outDir, 0o755)

	// ASCII
	ascii := diagram.RenderASCII(model)
	os.WriteFile(filepath.Join(outDir, "diagram-ascii.txt"), []byte(ascii), 0o644)
	fmt.Println("=== ASCII ===")
	fmt.Println(ascii)

	// Mermaid
	mermaid := diagram.RenderMermaid(model)
	os.WriteFile(filepath.Join(outDir, "diagram-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644)
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	// Image (PNG)
	png, imgErr := diagram.RenderImage(model)
	if imgErr != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", imgErr)
	} else {
		pngPath := filepath.Join(outDir, "diagram-sample.png")
		os.WriteFile(pngPath, png, 0o644)
		fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
	}

	// Example templates, one .mmd each.
	renderExamples(outDir)
}

// renderExamples renders every template under examples/templates to a Mermaid
// file next to the README assets. Missing directory is fine.
func renderExamples(outDir string) {
	paths, err := filepath.Glob(filepath.Join("examples", "templates", "*.json"))
	if err != nil || len(paths) == 0 {
		return
	}

	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", path, err)
			continue
		}
		var tpl schema.WorkflowTemplate
		if err := json.Unmarshal(raw, &tpl); err != nil {
			fmt.Fprintf(os.Stderr, "parse %s: %v\n", path, err)
			continue
		}
		model, err := diagram.Build(&tpl, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "build %s: %v\n", path, err)
			continue
		}

		name := strings.TrimSuffix(filepath.Base(path), ".json") + ".mmd"
		out := filepath.Join(outDir, name)
		os.WriteFile(out, []byte(diagram.RenderMermaid(model)), 0o644)
		fmt.Printf("wrote %s\n", out)
	}
}
