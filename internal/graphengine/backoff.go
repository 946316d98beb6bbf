package graphengine

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/attractor-run/control-plane/internal/attractor/model"
)

// backoffConfig controls retry delays for a node's TransientFailure
// retries. Defaults match the spec's stated pseudocode: 200ms initial,
// factor 2.0, capped at 60s.
type backoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
}

func defaultBackoffConfig() backoffConfig {
	return backoffConfig{InitialDelayMS: 200, BackoffFactor: 2.0, MaxDelayMS: 60_000}
}

func backoffConfigFor(g *model.Graph, n *model.Node) backoffConfig {
	cfg := defaultBackoffConfig()
	get := func(key string) string {
		if n != nil {
			if v := n.Attr(key, ""); v != "" {
				return v
			}
		}
		if g != nil {
			if v := strings.TrimSpace(g.Attrs[key]); v != "" {
				return v
			}
		}
		return ""
	}
	if v := get("retry.backoff.initial_delay_ms"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.InitialDelayMS = n
		}
	}
	if v := get("retry.backoff.backoff_factor"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.BackoffFactor = f
		}
	}
	if v := get("retry.backoff.max_delay_ms"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxDelayMS = n
		}
	}
	return cfg
}

// delayForAttempt returns the delay before attempt (1-indexed: the first
// retry is attempt 1), exponential with cfg.BackoffFactor and capped at
// cfg.MaxDelayMS.
func delayForAttempt(attempt int, cfg backoffConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func retryLimitFor(g *model.Graph, n *model.Node) int {
	raw := n.Attr("retries", "")
	if raw == "" {
		raw = strings.TrimSpace(g.Attrs["retries"])
	}
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
