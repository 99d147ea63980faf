package domain

type EvaluationStatus string

const (
	StatusQueued       EvaluationStatus = "queued"
	StatusProvisioning EvaluationStatus = "provisioning"
	StatusRunning      EvaluationStatus = "running"
	StatusCompleted    EvaluationStatus = "completed"
	StatusFailed       EvaluationStatus = "failed"
	StatusCancelled    EvaluationStatus = "cancelled"
	StatusTimeout      EvaluationStatus = "timeout"
)

// statusEdges is the full transition relation. Terminal states are absorbing:
// they have no outgoing edges.
var statusEdges = map[EvaluationStatus][]EvaluationStatus{
	StatusQueued:       {StatusProvisioning, StatusCancelled, StatusFailed},
	StatusProvisioning: {StatusRunning, StatusQueued, StatusCancelled, StatusFailed},
	StatusRunning:      {StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled, StatusQueued},
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to EvaluationStatus) bool {
	for _, next := range statusEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every status from which `to` is reachable in one
// step. Repositories use this as the guard set for conditional updates.
func TransitionSources(to EvaluationStatus) []EvaluationStatus {
	var out []EvaluationStatus
	for from, nexts := range statusEdges {
		for _, next := range nexts {
			if next == to {
				out = append(out, from)
				break
			}
		}
	}
	return out
}

func (s EvaluationStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

func (s EvaluationStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProvisioning, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// NonTerminalStatuses lists the states an evaluation may still move out of.
func NonTerminalStatuses() []EvaluationStatus {
	return []EvaluationStatus{StatusQueued, StatusProvisioning, StatusRunning}
}
