package deploy

// Outcome is the per-file result of a run
type Outcome string

const (
	OutcomeDeployed Outcome = "deployed"
	OutcomeSkipped  Outcome = "skipped" // dry run
	OutcomeFailed   Outcome = "failed"

	OutcomeIdentical Outcome = "identical"
	OutcomeDifferent Outcome = "different"
	OutcomeMissing   Outcome = "missing"
)

// Result records what happened to one action
type Result struct {
	Action  Action
	Outcome Outcome
	Err     error
}

// Report collects the results of a run
type Report struct {
	Results []Result
	Skipped []Skip
}

func (r *Report) add(action Action, outcome Outcome, err error) {
	r.Results = append(r.Results, Result{Action: action, Outcome: outcome, Err: err})
}

// Count returns the number of results with the given outcome
func (r *Report) Count(outcome Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// Filter returns the results with the given outcome, in run order
func (r *Report) Filter(outcome Outcome) []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Outcome == outcome {
			out = append(out, res)
		}
	}
	return out
}

// Clean reports whether every file ended up as intended: deployed, planned in
// a dry run, or identical in a status check.
func (r *Report) Clean() bool {
	for _, res := range r.Results {
		switch res.Outcome {
		case OutcomeDeployed, OutcomeSkipped, OutcomeIdentical:
		default:
			return false
		}
	}
	return true
}
