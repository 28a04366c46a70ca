package diagram

import (
	"fmt"
	"strings"

	"github.com/servicehero/flowd/pkg/schema"
)

// Build constructs a DiagramModel from a workflow template and optional step
// results. Results overlay runtime status onto the nodes they name; pass nil
// when rendering a bare template.
func Build(tpl *schema.WorkflowTemplate, results []schema.StepResult) (*DiagramModel, error) {
	if tpl == nil {
		return nil, fmt.Errorf("diagram: nil template")
	}
	trigger := tpl.TriggerStep()
	if trigger == nil {
		return nil, fmt.Errorf("diagram: template %q has no trigger step", tpl.ID)
	}

	overlays := overlayIndex(results)

	// Breadth-first from the trigger. Visit order fixes node order and the
	// level layout; a step reached twice stays in the first level that saw it.
	nodes := make([]*Node, 0, len(tpl.Steps)+1)
	var edges []Edge
	var levels [][]string
	visited := map[string]bool{trigger.ID: true}

	frontier := []string{trigger.ID}
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		var next []string
		for _, id := range frontier {
			step := tpl.StepByID(id)
			node := stepToNode(step)
			node.Status = overlays[step.ID]
			nodes = append(nodes, node)

			for _, e := range stepEdges(step) {
				if tpl.StepByID(e.To) == nil {
					return nil, fmt.Errorf("diagram: step %q references unknown step %q", step.ID, e.To)
				}
				edges = append(edges, e)
				if !visited[e.To] {
					visited[e.To] = true
					next = append(next, e.To)
				}
			}
		}
		frontier = next
	}

	// Leaves feed a virtual end node so the flow reads start to finish.
	for _, n := range nodes {
		if len(tpl.StepByID(n.ID).Successors()) == 0 {
			edges = append(edges, Edge{From: n.ID, To: "__end__"})
		}
	}
	nodes = append(nodes, &Node{ID: "__end__", Label: "End", Kind: NodeKindEnd})
	levels = append(levels, []string{"__end__"})

	return &DiagramModel{
		Title:  titleFromTemplate(tpl),
		Nodes:  nodes,
		Edges:  edges,
		Levels: levels,
	}, nil
}

// stepToNode maps a template step to a diagram Node.
func stepToNode(step *schema.Step) *Node {
	return &Node{
		ID:    step.ID,
		Label: stepLabel(step),
		Kind:  stepKindToNodeKind(step.Kind),
	}
}

func stepKindToNodeKind(k schema.StepKind) NodeKind {
	switch k {
	case schema.StepKindTrigger:
		return NodeKindTrigger
	case schema.StepKindCondition:
		return NodeKindCondition
	case schema.StepKindDelay:
		return NodeKindDelay
	default:
		return NodeKindAction
	}
}

// stepLabel creates a human-readable label: the step id plus what the step
// does, when the config says.
func stepLabel(step *schema.Step) string {
	switch step.Kind {
	case schema.StepKindTrigger:
		if ev, ok := step.Config[schema.ConfigKeyEvent].(string); ok && ev != "" {
			return fmt.Sprintf("%s\n(%s)", step.ID, ev)
		}
	case schema.StepKindAction:
		svc, _ := step.Config[schema.ConfigKeyService].(string)
		act, _ := step.Config[schema.ConfigKeyAction].(string)
		if svc != "" && act != "" {
			return fmt.Sprintf("%s\n(%s.%s)", step.ID, svc, act)
		}
	case schema.StepKindDelay:
		if d := delayLabel(step.Config); d != "" {
			return fmt.Sprintf("%s\n(%s)", step.ID, d)
		}
	}
	return step.ID
}

// delayLabel renders the configured wait compactly, e.g. "1h30m". Placeholder
// strings pass through unresolved; they only have values at dispatch time.
func delayLabel(config map[string]any) string {
	units := []struct {
		key    string
		suffix string
	}{
		{schema.ConfigKeyHours, "h"},
		{schema.ConfigKeyMinutes, "m"},
		{schema.ConfigKeySeconds, "s"},
	}

	var parts []string
	for _, u := range units {
		raw, ok := config[u.key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case float64:
			if v != 0 {
				parts = append(parts, fmt.Sprintf("%g%s", v, u.suffix))
			}
		case int:
			if v != 0 {
				parts = append(parts, fmt.Sprintf("%d%s", v, u.suffix))
			}
		case string:
			parts = append(parts, fmt.Sprintf("%s%s", v, u.suffix))
		}
	}
	return strings.Join(parts, "")
}

// stepEdges returns the outgoing edges of a step. Condition arms carry their
// branch outcome as the edge label, true before false.
func stepEdges(step *schema.Step) []Edge {
	if step.Kind == schema.StepKindCondition {
		edges := make([]Edge, 0, 2)
		if to, ok := step.Branches[schema.BranchTrue]; ok {
			edges = append(edges, Edge{From: step.ID, To: to, Label: schema.BranchTrue})
		}
		if to, ok := step.Branches[schema.BranchFalse]; ok {
			edges = append(edges, Edge{From: step.ID, To: to, Label: schema.BranchFalse})
		}
		return edges
	}

	edges := make([]Edge, 0, len(step.NextSteps))
	for _, to := range step.NextSteps {
		edges = append(edges, Edge{From: step.ID, To: to})
	}
	return edges
}

// overlayIndex folds append-only step results into one overlay per step: the
// latest attempt's status, duration, and error, with the total attempt count.
func overlayIndex(results []schema.StepResult) map[string]*StatusOverlay {
	if len(results) == 0 {
		return nil
	}
	out := make(map[string]*StatusOverlay, len(results))
	for i := range results {
		r := &results[i]
		o := out[r.StepID]
		if o == nil {
			o = &StatusOverlay{}
			out[r.StepID] = o
		}
		o.Attempts++
		o.Status = string(r.Status)
		o.DurationMs = 0
		if r.EndedAt != nil {
			o.DurationMs = r.EndedAt.Sub(r.StartedAt).Milliseconds()
		}
		o.Error = ""
		if r.Error != nil {
			o.Error = r.Error.Message
		}
	}
	return out
}

// titleFromTemplate picks the display title for a diagram.
func titleFromTemplate(tpl *schema.WorkflowTemplate) string {
	if tpl.Name != "" {
		return tpl.Name
	}
	if tpl.ID != "" {
		return tpl.ID
	}
	return "Workflow"
}
