// Package cond evaluates the AND-only edge condition language: a sequence
// of "key op literal" clauses joined by "&&", where key is outcome,
// preferred_label, or context.<path>.
package cond

import (
	"fmt"
	"strings"

	"github.com/attractor-run/control-plane/internal/graphrun"
)

// Evaluate reports whether condition holds against the node's Outcome and
// the run's shared Context. An empty condition always matches.
func Evaluate(condition string, outcome graphrun.Outcome, ctx *graphrun.Context) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	for _, clause := range strings.Split(condition, "&&") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		ok, err := evalClause(clause, outcome, ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalClause(clause string, outcome graphrun.Outcome, ctx *graphrun.Context) (bool, error) {
	if strings.Contains(clause, "!=") {
		k, want, err := splitClause(clause, "!=")
		if err != nil {
			return false, err
		}
		got := resolveKey(k, outcome, ctx)
		return got != canonicalizeCompareValue(k, want), nil
	}
	if strings.Contains(clause, "=") {
		k, want, err := splitClause(clause, "=")
		if err != nil {
			return false, err
		}
		got := resolveKey(k, outcome, ctx)
		return got == canonicalizeCompareValue(k, want), nil
	}
	got := resolveKey(strings.TrimSpace(clause), outcome, ctx)
	if got == "" {
		return false, nil
	}
	switch strings.ToLower(got) {
	case "false", "0", "no":
		return false, nil
	default:
		return true, nil
	}
}

func splitClause(clause, op string) (key, value string, err error) {
	parts := strings.SplitN(clause, op, 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("cond: invalid clause %q", clause)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

func resolveKey(key string, outcome graphrun.Outcome, ctx *graphrun.Context) string {
	switch key {
	case "outcome":
		co, err := outcome.Canonicalize()
		if err != nil {
			return string(outcome.Status)
		}
		return string(co.Status)
	case "preferred_label":
		return outcome.PreferredLabel
	}
	if strings.HasPrefix(key, "context.") {
		if ctx != nil {
			if v, ok := ctx.Get(key); ok && v != nil {
				return fmt.Sprint(v)
			}
			short := strings.TrimPrefix(key, "context.")
			if v, ok := ctx.Get(short); ok && v != nil {
				return fmt.Sprint(v)
			}
		}
		return ""
	}
	if ctx != nil {
		if v, ok := ctx.Get(key); ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// canonicalizeCompareValue normalizes comparison values for the "outcome"
// key so aliases like "fail"/"failure" match the canonical status string.
func canonicalizeCompareValue(key, value string) string {
	if key != "outcome" {
		return value
	}
	if canonical, err := graphrun.ParseStageStatus(value); err == nil {
		return string(canonical)
	}
	return value
}
