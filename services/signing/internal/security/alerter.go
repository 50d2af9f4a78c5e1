// Package security watches for credential and link-token probing.
package security

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Events observed by the signing server.
const (
	EventPublicToken = "public.token"
	EventOwnerAuth   = "owner.auth"
	EventOpsAuth     = "ops.auth"
	EventPublic      = "public"
)

// Outcomes.
const (
	OutcomeInvalid     = "invalid"
	OutcomeExpired     = "expired"
	OutcomeFail        = "fail"
	OutcomeRateLimited = "rate_limited"
)

type rule struct {
	threshold int64
	window    time.Duration
}

// rules maps event|outcome to its alert threshold. An empty event matches
// any event with that outcome.
var rules = map[string]rule{
	"|" + OutcomeRateLimited:                {20, time.Minute},
	EventPublicToken + "|" + OutcomeInvalid: {20, 5 * time.Minute},
	EventPublicToken + "|" + OutcomeExpired: {50, 5 * time.Minute},
	EventOwnerAuth + "|" + OutcomeFail:      {15, 5 * time.Minute},
	EventOpsAuth + "|" + OutcomeFail:        {3, 5 * time.Minute},
}

func lookupRule(event, outcome string) (rule, bool) {
	if r, ok := rules[event+"|"+outcome]; ok {
		return r, true
	}
	r, ok := rules["|"+outcome]
	return r, ok
}

var countScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// AlertResult is the outcome of one observation.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// ProbeAlerter counts failures per client and event in Redis. Someone
// guessing link tokens shows up as a burst of invalid lookups from one
// address.
type ProbeAlerter struct {
	client *redis.Client
	prefix string
}

// NewProbeAlerter returns nil when addr is empty; a nil alerter observes nothing.
func NewProbeAlerter(addr, password, prefix string) *ProbeAlerter {
	if addr = strings.TrimSpace(addr); addr == "" {
		return nil
	}
	return NewProbeAlerterWithClient(redis.NewClient(&redis.Options{Addr: addr, Password: password}), prefix)
}

// NewProbeAlerterWithClient wraps an existing client.
func NewProbeAlerterWithClient(client *redis.Client, prefix string) *ProbeAlerter {
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = "signflow:alerts"
	}
	return &ProbeAlerter{client: client, prefix: prefix}
}

// Observe counts one event from ip. Triggered is set exactly once per
// window, on the hit that reaches the threshold.
func (a *ProbeAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	if a == nil || a.client == nil {
		return AlertResult{}, nil
	}
	event, outcome = strings.TrimSpace(event), strings.TrimSpace(outcome)
	r, ok := lookupRule(event, outcome)
	if !ok {
		return AlertResult{}, nil
	}
	key := strings.Join([]string{a.prefix, segment(event), segment(outcome), segment(ip)}, ":")
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	n, err := countScript.Run(ctx, a.client, []string{key}, r.window.Milliseconds()).Int64()
	if err != nil {
		return AlertResult{}, err
	}
	return AlertResult{Triggered: n == r.threshold, Count: n, Threshold: r.threshold, Window: r.window}, nil
}

// segment keeps client-supplied text from splitting the key namespace.
func segment(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		if r == ':' || r == '|' || r == ' ' || r < 0x20 {
			return '_'
		}
		return r
	}, s)
}
