package worker

import (
	"context"

	"github.com/jllopis/agora/pkg/core"
	"github.com/jllopis/agora/pkg/errors"
	"github.com/jllopis/agora/pkg/knowledge"
)

// ForRole returns the built-in executor for a role. Custom roles bring
// their own Executor.
func ForRole(role core.Role, store knowledge.Store) (core.Executor, error) {
	switch role {
	case core.RoleResearcher:
		return &researcher{}, nil
	case core.RoleAnalyzer:
		return &analyzer{store: store}, nil
	case core.RolePlanner:
		return &planner{store: store}, nil
	case core.RoleExecutor:
		return &implementer{store: store}, nil
	default:
		return nil, errors.New(errors.CodeNotFound, "no built-in executor for role", nil).
			WithContext("role", string(role))
	}
}

// delegationAction extracts the requested action from a delegation.
func delegationAction(msg core.Message) string {
	desc, ok := msg.Payload["description"].(map[string]any)
	if !ok {
		return ""
	}
	action, _ := desc["action"].(string)
	return action
}

// dependencyResults loads the published results of the delegation's
// dependencies from the knowledge store. Missing entries are skipped;
// the scheduler only dispatches once dependencies are settled.
func dependencyResults(ctx context.Context, store knowledge.Store, msg core.Message) map[string]any {
	out := make(map[string]any)
	deps, ok := msg.Payload["depends_on"].([]string)
	if !ok {
		return out
	}
	for _, dep := range deps {
		entry, err := store.Get(ctx, knowledge.TaskResultKey(dep))
		if err != nil {
			continue
		}
		out[dep] = entry.Value
	}
	return out
}

// unknownAction is the answer for an action the role does not know.
// The task still completes; the requester sees the status and decides.
func unknownAction(role core.Role, action string) map[string]any {
	return map[string]any{
		"status": "unknown_action",
		"role":   string(role),
		"action": action,
	}
}

// researcher handles gather_data: it produces raw findings for the
// downstream analysis stages.
type researcher struct{}

func (r *researcher) Handle(_ context.Context, msg core.Message) (map[string]any, error) {
	if action := delegationAction(msg); action != "gather_data" {
		return unknownAction(core.RoleResearcher, action), nil
	}
	return map[string]any{
		"action": "gather_data",
		"data": map[string]any{
			"market_size": "2.4B",
			"growth_rate": 0.12,
			"competitors": 3,
		},
		"confidence": 0.9,
	}, nil
}

// analyzer handles analyze_data over the dependency results.
type analyzer struct {
	store knowledge.Store
}

func (a *analyzer) Handle(ctx context.Context, msg core.Message) (map[string]any, error) {
	if action := delegationAction(msg); action != "analyze_data" {
		return unknownAction(core.RoleAnalyzer, action), nil
	}
	inputs := dependencyResults(ctx, a.store, msg)
	return map[string]any{
		"action":      "analyze_data",
		"inputs_used": len(inputs),
		"insights": []string{
			"growth outpaces the competition",
			"demand concentrated in two segments",
		},
		"trend": "positive",
	}, nil
}

// planner handles create_strategy, turning analysis into a plan.
type planner struct {
	store knowledge.Store
}

func (p *planner) Handle(ctx context.Context, msg core.Message) (map[string]any, error) {
	if action := delegationAction(msg); action != "create_strategy" {
		return unknownAction(core.RolePlanner, action), nil
	}
	inputs := dependencyResults(ctx, p.store, msg)
	return map[string]any{
		"action":      "create_strategy",
		"inputs_used": len(inputs),
		"strategy": []string{
			"focus the two strongest segments",
			"expand outreach where growth leads",
			"ship the next milestone this quarter",
		},
		"horizon": "2 quarters",
	}, nil
}

// implementer handles implement_plan, the terminal stage of a pipeline.
type implementer struct {
	store knowledge.Store
}

func (i *implementer) Handle(ctx context.Context, msg core.Message) (map[string]any, error) {
	if action := delegationAction(msg); action != "implement_plan" {
		return unknownAction(core.RoleExecutor, action), nil
	}
	inputs := dependencyResults(ctx, i.store, msg)
	return map[string]any{
		"action":          "implement_plan",
		"inputs_used":     len(inputs),
		"status":          "implemented",
		"completed_steps": 3,
	}, nil
}
