// Package resolver picks an execution plan for a set of mutually conflicting
// ready issues.
package resolver

import (
	"fmt"
	"sort"

	"batchline/internal/graph"
)

// Strategy selects how a conflict set is resolved.
type Strategy string

const (
	// Sequential queues the issues for one-at-a-time dispatch, fewest hard
	// dependencies first.
	Sequential Strategy = "sequential"
	// Partition allows parallel dispatch when the declared file sets turn
	// out to be disjoint, falling back to Sequential otherwise.
	Partition Strategy = "partition"
	// Human escalates: the set is returned unordered and nothing is decided.
	Human Strategy = "human"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Sequential, Partition, Human:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown strategy %q (want sequential, partition or human)", s)
}

// Action is one planned step of a resolution.
type Action struct {
	IssueID int      `json:"issue"`
	Action  string   `json:"action"` // queue, allow_parallel or escalate
	Files   []string `json:"files,omitempty"`
}

// Resolution is the chosen plan for a conflict set.
type Resolution struct {
	Strategy Strategy `json:"strategy"`
	Actions  []Action `json:"actions"`
	Message  string   `json:"message"`
}

// Resolve plans execution for the given conflicting issues.
func Resolve(g *graph.Graph, ids []int, strategy Strategy) (Resolution, error) {
	issues := make([]*graph.Issue, 0, len(ids))
	for _, id := range ids {
		iss, ok := g.Issues[id]
		if !ok {
			return Resolution{}, fmt.Errorf("issue %d not found in dependency graph", id)
		}
		issues = append(issues, iss)
	}

	switch strategy {
	case Sequential:
		return sequential(issues), nil

	case Partition:
		if actions, ok := partition(issues); ok {
			return Resolution{
				Strategy: Partition,
				Actions:  actions,
				Message:  "file sets are disjoint; no real conflict, run all in parallel",
			}, nil
		}
		res := sequential(issues)
		res.Message = "files overlap; falling back to sequential execution"
		return res, nil

	case Human:
		actions := make([]Action, len(issues))
		for i, iss := range issues {
			actions[i] = Action{IssueID: iss.ID, Action: "escalate"}
		}
		return Resolution{
			Strategy: Human,
			Actions:  actions,
			Message:  fmt.Sprintf("escalated to human: %d conflicting issues", len(issues)),
		}, nil
	}
	return Resolution{}, fmt.Errorf("unknown strategy %q", strategy)
}

// sequential orders by ascending hard-dependency count: foundational work
// first. The sort is stable so equal issues keep their given order.
func sequential(issues []*graph.Issue) Resolution {
	ordered := make([]*graph.Issue, len(issues))
	copy(ordered, issues)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].DependsOn) < len(ordered[j].DependsOn)
	})
	actions := make([]Action, len(ordered))
	queue := make([]int, len(ordered))
	for i, iss := range ordered {
		actions[i] = Action{IssueID: iss.ID, Action: "queue"}
		queue[i] = iss.ID
	}
	return Resolution{
		Strategy: Sequential,
		Actions:  actions,
		Message:  fmt.Sprintf("will execute sequentially: %v", queue),
	}
}

// partition succeeds only when no file is owned by two issues: the union of
// the file sets equals the sum of their sizes.
func partition(issues []*graph.Issue) ([]Action, bool) {
	total := 0
	unique := map[string]bool{}
	for _, iss := range issues {
		total += len(iss.Files)
		for _, f := range iss.Files {
			unique[f] = true
		}
	}
	if len(unique) != total {
		return nil, false
	}
	actions := make([]Action, len(issues))
	for i, iss := range issues {
		actions[i] = Action{IssueID: iss.ID, Action: "allow_parallel", Files: iss.Files}
	}
	return actions, true
}
