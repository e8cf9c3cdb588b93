package healthcheck

import "context"

// Aggregator runs several checkers as one.
type Aggregator struct {
	checkers []Checker
}

// NewAggregator skips nil checkers.
func NewAggregator(checkers ...Checker) *Aggregator {
	out := make([]Checker, 0, len(checkers))
	for _, c := range checkers {
		if c != nil {
			out = append(out, c)
		}
	}
	return &Aggregator{checkers: out}
}

// ListChecks concatenates the results of every checker in order.
func (a *Aggregator) ListChecks(ctx context.Context, instance string) []CheckResult {
	if a == nil {
		return []CheckResult{}
	}
	result := make([]CheckResult, 0, len(a.checkers))
	for _, c := range a.checkers {
		result = append(result, c.ListChecks(ctx, instance)...)
	}
	return result
}
