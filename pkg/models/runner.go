package models

// Runner is an execution slot with capability labels. A runner is held
// exclusively by one job at a time for the job's full duration.
type Runner struct {
	ID     string   `json:"id"     validate:"required"`
	Labels []string `json:"labels" validate:"required,min=1"`
}

// Satisfies reports whether the runner's labels are a superset of the
// requirement.
func (r *Runner) Satisfies(required []string) bool {
	for _, want := range required {
		found := false

		for _, have := range r.Labels {
			if have == want {
				found = true

				break
			}
		}

		if !found {
			return false
		}
	}

	return true
}
