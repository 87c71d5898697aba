package bpmn

import (
	"github.com/flowmill/flowmill/pkg/bpmn/model/graph"
)

// SiblingStats is the counter snapshot a reject decision is made against.
// Rejected already includes the rejection being resolved.
type SiblingStats struct {
	Total     int
	Completed int
	Rejected  int

	// ActiveSiblingKeys holds the non-terminal sibling executions, the
	// rejecting one included. CompletedSiblingKeys holds the completed ones.
	ActiveSiblingKeys    []int64
	CompletedSiblingKeys []int64
}

// Pending is the number of siblings that are neither completed nor
// rejected.
func (s SiblingStats) Pending() int {
	return s.Total - s.Completed - s.Rejected
}

// RejectResolution is what the resolver decides: which siblings to cancel,
// whether the activity as a whole reports rejected now, and whether the
// decision is merely deferred until more siblings finish.
type RejectResolution struct {
	CancelSiblingKeys []int64
	ShouldReject      bool
	WaitForMore       bool
}

// resolveRejectStrategy is a pure policy function: no I/O, deterministic
// for a given snapshot. The caller applies the cancellations and persists
// the outcome.
func resolveRejectStrategy(strategy graph.RejectStrategy, stats SiblingStats, rejectingKey int64) RejectResolution {
	switch strategy {
	case graph.RejectStrategyAllBack, graph.RejectStrategyImmediate:
		return RejectResolution{
			CancelSiblingKeys: stats.ActiveSiblingKeys,
			ShouldReject:      true,
		}
	case graph.RejectStrategyKeepCompleted:
		return RejectResolution{
			CancelSiblingKeys: stats.ActiveSiblingKeys,
			ShouldReject:      true,
		}
	case graph.RejectStrategyResetAll:
		cancel := make([]int64, 0, len(stats.ActiveSiblingKeys)+len(stats.CompletedSiblingKeys))
		cancel = append(cancel, stats.ActiveSiblingKeys...)
		cancel = append(cancel, stats.CompletedSiblingKeys...)
		return RejectResolution{
			CancelSiblingKeys: cancel,
			ShouldReject:      true,
		}
	case graph.RejectStrategyMajorityBack:
		if stats.Rejected >= stats.Total/2+1 {
			return RejectResolution{
				CancelSiblingKeys: stats.ActiveSiblingKeys,
				ShouldReject:      true,
			}
		}
		return onlyCurrentResolution(stats, rejectingKey)
	case graph.RejectStrategyOnlyCurrent, graph.RejectStrategyWaitCompletion:
		return onlyCurrentResolution(stats, rejectingKey)
	default:
		// unset strategy defaults to the strictest behavior
		return RejectResolution{
			CancelSiblingKeys: stats.ActiveSiblingKeys,
			ShouldReject:      true,
		}
	}
}

func onlyCurrentResolution(stats SiblingStats, rejectingKey int64) RejectResolution {
	done := stats.Pending() == 0
	return RejectResolution{
		CancelSiblingKeys: []int64{rejectingKey},
		ShouldReject:      done,
		WaitForMore:       !done,
	}
}
