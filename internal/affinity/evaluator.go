// Package affinity implements component F: scoring and ranking candidate
// nodes against an agent's affinity/anti-affinity rules. It is pure and
// non-suspending, per spec.md §5 ("(F) are non-suspending"), grounded on
// the teacher's label/selector-free style of small, dependency-free
// evaluators (ODSapper-CLIAIMONITOR keeps this kind of logic stdlib-only
// throughout, e.g. internal/metrics/alerts.go's threshold comparisons).
package affinity

import (
	"sort"

	"github.com/agentfleet/controlplane/internal/types"
)

// ClusterView is everything the evaluator needs about the rest of the
// cluster to resolve topology-scoped agent rules, without depending on
// the resourceindex package directly (breaks the cycle spec.md §9 calls
// out: "the preemption planner holds an interface exposing only
// releaseResources; it does not know the scheduler type" — the same
// principle applied here for F).
type ClusterView interface {
	// NodeLabels returns the labels of nodeID, or false if unknown.
	NodeLabels(nodeID string) (map[string]string, bool)
	// AgentsOnNode returns the label maps of every agent currently
	// placed on nodeID.
	AgentsOnNode(nodeID string) []map[string]string
	// NodesWithLabelValue returns every nodeID whose labels[key] == value.
	NodesWithLabelValue(key, value string) []string
}

// Evaluate scores one (nodeID, agentLabels) pair against affinity, per
// spec.md §4.F's algorithm: start at 50, hard rule failure clears hardOK,
// soft rule success adds its effective weight, clamp to [0,100].
func Evaluate(view ClusterView, nodeID string, agentLabels map[string]string, aff types.AgentAffinity) types.AffinityScore {
	score := 50
	hardOK := true
	var results []types.RuleResult

	apply := func(r types.AffinityRule, matched bool) {
		if r.Hard && !matched {
			hardOK = false
		}
		delta := 0
		if !r.Hard && matched {
			delta = r.EffectiveWeight()
			score += delta
		}
		results = append(results, types.RuleResult{Rule: r, Matched: matched, Delta: delta})
	}

	nodeLabels, _ := view.NodeLabels(nodeID)

	for _, r := range aff.NodeAffinity {
		matched := r.NodeSelector != nil && r.NodeSelector.Matches(nodeLabels)
		apply(r, matched)
	}
	for _, r := range aff.AgentAffinity {
		matched := agentRuleMatched(view, nodeID, nodeLabels, r)
		apply(r, matched)
	}
	for _, r := range aff.AgentAntiAffinity {
		conflict := agentRuleMatched(view, nodeID, nodeLabels, r)
		apply(r, !conflict)
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return types.AffinityScore{Total: score, PerRule: results, HardOK: hardOK}
}

// agentRuleMatched reports whether an agent-targeted rule's selector
// matches at least one agent in its scope: the target node alone when
// topologyKey is empty, or every node sharing the rule's topology value
// when set.
func agentRuleMatched(view ClusterView, nodeID string, nodeLabels map[string]string, r types.AffinityRule) bool {
	if r.AgentSelector == nil {
		return false
	}

	var candidateNodes []string
	if r.TopologyKey == "" {
		candidateNodes = []string{nodeID}
	} else {
		value := nodeLabels[r.TopologyKey]
		candidateNodes = view.NodesWithLabelValue(r.TopologyKey, value)
	}

	for _, n := range candidateNodes {
		for _, agentLabels := range view.AgentsOnNode(n) {
			if r.AgentSelector.Matches(agentLabels) {
				return true
			}
		}
	}
	return false
}

// Rank scores every node in nodeIDs, keeps only those with HardOK, and
// returns them sorted by Total descending, stable on ties (spec.md §4.F).
func Rank(view ClusterView, nodeIDs []string, agentLabels map[string]string, aff types.AgentAffinity) []RankedNode {
	scored := make([]RankedNode, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		s := Evaluate(view, id, agentLabels, aff)
		if s.HardOK {
			scored = append(scored, RankedNode{NodeID: id, Score: s})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score.Total > scored[j].Score.Total
	})
	return scored
}

// RankedNode is one entry of Rank's output.
type RankedNode struct {
	NodeID string
	Score  types.AffinityScore
}

// Validate checks an AgentAffinity's shape constraints before scheduling
// begins, so a malformed request fails fast as a validation error rather
// than silently degrading the score.
func Validate(aff types.AgentAffinity) error {
	return aff.Validate()
}
