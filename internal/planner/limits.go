package planner

// PlanLimits bounds the size of a compiled populate tree.
type PlanLimits struct {
	MaxJoins int
	MaxDepth int
}

func (l PlanLimits) validate(plan *JoinPlan) error {
	if l.MaxJoins > 0 && plan.Aliases.Len() > l.MaxJoins {
		return configErrorf("query exceeds maximum join count of %d (joins: %d)", l.MaxJoins, plan.Aliases.Len())
	}
	if l.MaxDepth > 0 && plan.depth > l.MaxDepth {
		return configErrorf("query exceeds maximum populate depth of %d (depth: %d)", l.MaxDepth, plan.depth)
	}
	return nil
}
