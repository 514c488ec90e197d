package explain

import (
	"driftwatch/internal/detect"
	"driftwatch/internal/metrics"
)

// Condition matches one flagged metric, optionally pinned to a direction.
type Condition struct {
	Metric    metrics.Metric
	Direction metrics.Direction // empty matches either direction
}

// Rule maps a signal combination to a recommended action. Rules are data, not
// branching code; the first rule whose conditions are all present wins.
type Rule struct {
	Requires       []Condition
	Recommendation string
}

// DefaultRules is the recommendation table consulted for every confirmed
// alert. Order matters: more specific combinations come first.
var DefaultRules = []Rule{
	{
		Requires: []Condition{
			{Metric: metrics.RequestVolume, Direction: metrics.DirectionDecrease},
			{Metric: metrics.ErrorRate, Direction: metrics.DirectionIncrease},
		},
		Recommendation: "Check upstream routing and load balancer configuration.",
	},
	{
		Requires: []Condition{
			{Metric: metrics.AvgLatency, Direction: metrics.DirectionIncrease},
			{Metric: metrics.ErrorRate, Direction: metrics.DirectionIncrease},
		},
		Recommendation: "Check backend and database health.",
	},
	{
		Requires: []Condition{
			{Metric: metrics.P95Latency, Direction: metrics.DirectionIncrease},
			{Metric: metrics.ErrorRate, Direction: metrics.DirectionIncrease},
		},
		Recommendation: "Check backend and database health.",
	},
	{
		Requires: []Condition{
			{Metric: metrics.AvgLatency, Direction: metrics.DirectionIncrease},
			{Metric: metrics.ResponseSizeVariance},
		},
		Recommendation: "Check payload handling and serialization paths.",
	},
	{
		Requires: []Condition{
			{Metric: metrics.ErrorRate, Direction: metrics.DirectionIncrease},
			{Metric: metrics.ResponseSizeVariance},
		},
		Recommendation: "Check for partial responses or truncated payloads.",
	},
	{
		Requires: []Condition{
			{Metric: metrics.RequestVolume, Direction: metrics.DirectionDecrease},
			{Metric: metrics.AvgLatency, Direction: metrics.DirectionIncrease},
		},
		Recommendation: "Check for resource saturation or a stuck dependency.",
	},
}

const fallbackRecommendation = "Review recent deploys and dependency status for this endpoint."

func recommend(signals []detect.Signal) string {
	flagged := make(map[metrics.Metric]metrics.Direction, len(signals))
	for _, sig := range signals {
		if _, seen := flagged[sig.Metric]; !seen {
			flagged[sig.Metric] = sig.Direction
		}
	}

	for _, rule := range DefaultRules {
		if matches(rule, flagged) {
			return rule.Recommendation
		}
	}
	return fallbackRecommendation
}

func matches(rule Rule, flagged map[metrics.Metric]metrics.Direction) bool {
	for _, cond := range rule.Requires {
		dir, ok := flagged[cond.Metric]
		if !ok {
			return false
		}
		if cond.Direction != "" && dir != cond.Direction {
			return false
		}
	}
	return true
}
