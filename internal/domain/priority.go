package domain

// Queue names, highest priority first. batch drains after low_priority;
// maintenance is reserved for operational tasks and never receives
// evaluations.
const (
	QueueHighPriority = "high_priority"
	QueueEvaluation   = "evaluation"
	QueueLowPriority  = "low_priority"
	QueueBatch        = "batch"
	QueueMaintenance  = "maintenance"
)

// Priority thresholds for queue and class mapping.
const (
	PriorityCritical = 2000
	PriorityHigh     = 1000
	PriorityNormal   = 250
	PriorityTest     = 150
)

// DispatchOrder is the strict polling order: a queue is consulted only when
// every queue before it is empty.
func DispatchOrder() []string {
	return []string{QueueHighPriority, QueueEvaluation, QueueLowPriority, QueueBatch}
}

// NormalizePriority maps the legacy -1/0/1 scale onto the numeric one.
// Other values pass through unchanged.
func NormalizePriority(p int) int {
	switch p {
	case -1:
		return PriorityTest
	case 0:
		return PriorityNormal
	case 1:
		return 350
	}
	return p
}

// QueueForPriority maps a normalized priority to its queue.
func QueueForPriority(p int) string {
	switch {
	case p >= PriorityHigh:
		return QueueHighPriority
	case p >= PriorityNormal:
		return QueueEvaluation
	default:
		return QueueLowPriority
	}
}

// PriorityClass labels workloads for the runtime scheduler (container
// labels, reaper filters).
type PriorityClass string

const (
	ClassCritical PriorityClass = "critical"
	ClassHigh     PriorityClass = "high"
	ClassNormal   PriorityClass = "normal"
	ClassTest     PriorityClass = "test"
	ClassLow      PriorityClass = "low"
)

// ClassForPriority maps a normalized priority to its workload class.
func ClassForPriority(p int) PriorityClass {
	switch {
	case p >= PriorityCritical:
		return ClassCritical
	case p >= PriorityHigh:
		return ClassHigh
	case p >= PriorityNormal:
		return ClassNormal
	case p >= PriorityTest:
		return ClassTest
	default:
		return ClassLow
	}
}
