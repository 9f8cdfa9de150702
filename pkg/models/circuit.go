package models

// CircuitState is the state of one circuit breaker.
type CircuitState string

const (
	// CircuitClosed lets calls through and counts failures.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen rejects calls until the cooldown elapses.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen lets a limited number of trial calls through.
	CircuitHalfOpen CircuitState = "half_open"
)

// Valid returns true if the state is a known value.
func (s CircuitState) Valid() bool {
	switch s {
	case CircuitClosed, CircuitOpen, CircuitHalfOpen:
		return true
	default:
		return false
	}
}

// Match is one routing candidate returned by the skill router.
type Match struct {
	Capability string  `json:"capability"`
	Score      float64 `json:"score"`
	// Source names the routing stage that produced the match
	// ("explicit", "rule", "semantic", "keyword").
	Source string `json:"source"`
}
