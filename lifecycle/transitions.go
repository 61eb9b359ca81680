package lifecycle

import "github.com/hupe1980/taskmesh/core"

// transitions is the task state machine. Terminal states have no outgoing
// edges.
var transitions = map[core.TaskStatus][]core.TaskStatus{
	core.TaskStatusPending: {
		core.TaskStatusProcessing,
		core.TaskStatusCancelled,
		core.TaskStatusTimeout,
	},
	core.TaskStatusProcessing: {
		core.TaskStatusExecuting,
		core.TaskStatusFailed,
		core.TaskStatusTimeout,
		core.TaskStatusCancelled,
	},
	core.TaskStatusExecuting: {
		core.TaskStatusAnalyzing,
		core.TaskStatusCompleted,
		core.TaskStatusFailed,
		core.TaskStatusTimeout,
		core.TaskStatusMaxRoundsReached,
	},
	core.TaskStatusAnalyzing: {
		core.TaskStatusCompleted,
		core.TaskStatusFailed,
		core.TaskStatusTimeout,
		core.TaskStatusMaxRoundsReached,
	},
}

// IsValidTransition reports whether from -> to is an edge of the state machine.
func IsValidTransition(from, to core.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidTargets returns the statuses reachable from s in one step.
func ValidTargets(s core.TaskStatus) []core.TaskStatus {
	out := make([]core.TaskStatus, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// pathTo returns the shortest sequence of statuses leading from -> to,
// excluding from itself, or nil if to is unreachable.
func pathTo(from, to core.TaskStatus) []core.TaskStatus {
	if from == to {
		return nil
	}

	prev := map[core.TaskStatus]core.TaskStatus{}
	visited := map[core.TaskStatus]bool{from: true}
	frontier := []core.TaskStatus{from}

	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]

		for _, next := range transitions[cur] {
			if visited[next] {
				continue
			}
			visited[next] = true
			prev[next] = cur

			if next == to {
				var path []core.TaskStatus
				for s := to; s != from; s = prev[s] {
					path = append([]core.TaskStatus{s}, path...)
				}
				return path
			}
			frontier = append(frontier, next)
		}
	}

	return nil
}
