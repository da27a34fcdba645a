// Package scoring computes session threat scores and severity bands.
//
// Scoring is additive across independent signal categories. Each category
// is capped, the capped sums are added, and the total is clamped to 100.
// The result is a pure function of the accumulated session signals, so
// re-scoring identical state always yields the identical score.
package scoring

import "github.com/lvonguyen/honeynet/internal/mitre"

// Severity is the four-level band derived from the numeric score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Category weights and caps.
const (
	failedAuthWeight     = 3  // per attempt, up to failedAuthFullCount
	failedAuthTailWeight = 1  // per attempt beyond failedAuthFullCount
	failedAuthFullCount  = 5  // brute force noise diminishes after this
	failedAuthCap        = 25 // category cap for failures
	successAuthWeight    = 40 // a successful login is a compromise, not noise

	commandCap = 40 // cap across all command tactic weights

	malwareWeight = 15 // per distinct downloaded artifact hash
	malwareCap    = 30

	idsCap = 20 // cap across correlated IDS alerts
)

// tacticWeights keys command scoring by MITRE tactic rather than command
// text, so rewording a command does not change its score. Unknown tactics
// contribute nothing.
var tacticWeights = map[string]int{
	mitre.TacticReconnaissance:      5,
	mitre.TacticDiscovery:           5,
	mitre.TacticExecution:           10,
	mitre.TacticInitialAccess:       15,
	mitre.TacticCollection:          15,
	mitre.TacticDefenseEvasion:      15,
	mitre.TacticLateralMovement:     20,
	mitre.TacticPersistence:         20,
	mitre.TacticPrivilegeEscalation: 20,
	mitre.TacticCredentialAccess:    20,
	mitre.TacticCommandAndControl:   25,
	mitre.TacticExfiltration:        30,
	mitre.TacticImpact:              30,
}

// Signals is the accumulated session state the score depends on.
type Signals struct {
	// FailedAuths counts failed authentication attempts.
	FailedAuths int
	// SuccessfulAuth is true if any login in the session succeeded.
	SuccessfulAuth bool
	// Tactics holds the distinct MITRE tactic ids observed via commands.
	Tactics []string
	// DistinctHashes counts distinct downloaded artifact hashes.
	DistinctHashes int
	// AlertPriorities holds the priority of each correlated IDS alert.
	AlertPriorities []int
}

// Score computes the 0-100 threat score and severity band for the given
// signals.
func Score(sig Signals) (int, Severity) {
	total := authScore(sig) + commandScore(sig.Tactics) + malwareScore(sig.DistinctHashes) + idsScore(sig.AlertPriorities)
	if total > 100 {
		total = 100
	}
	return total, SeverityForScore(total)
}

func authScore(sig Signals) int {
	full := sig.FailedAuths
	if full > failedAuthFullCount {
		full = failedAuthFullCount
	}
	tail := sig.FailedAuths - full
	failed := full*failedAuthWeight + tail*failedAuthTailWeight
	if failed > failedAuthCap {
		failed = failedAuthCap
	}
	if sig.SuccessfulAuth {
		failed += successAuthWeight
	}
	return failed
}

// commandScore sums the weight of each distinct tactic once; the tactic
// set is deduplicated upstream and summation is order-independent.
func commandScore(tactics []string) int {
	score := 0
	for _, tactic := range tactics {
		score += tacticWeights[tactic]
	}
	if score > commandCap {
		score = commandCap
	}
	return score
}

func malwareScore(distinctHashes int) int {
	score := distinctHashes * malwareWeight
	if score > malwareCap {
		score = malwareCap
	}
	return score
}

func idsScore(priorities []int) int {
	score := 0
	for _, p := range priorities {
		switch p {
		case 1:
			score += 15
		case 2:
			score += 10
		default:
			score += 5
		}
	}
	if score > idsCap {
		score = idsCap
	}
	return score
}

// SeverityForScore maps a score to its severity band. Boundaries are fixed:
// 0-25 low, 26-50 medium, 51-75 high, 76-100 critical.
func SeverityForScore(score int) Severity {
	switch {
	case score >= 76:
		return SeverityCritical
	case score >= 51:
		return SeverityHigh
	case score >= 26:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
