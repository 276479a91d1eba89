package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// AgentRateLimiter provides per-agent rate limiting on a node.
type AgentRateLimiter struct {
	agentLimiters map[string]*rate.Limiter
	mu            sync.RWMutex
}

// NewAgentRateLimiter creates a limiter with no limits set.
func NewAgentRateLimiter() *AgentRateLimiter {
	return &AgentRateLimiter{
		agentLimiters: make(map[string]*rate.Limiter),
	}
}

// SetAgentLimit configures the rate limit for one agent.
func (l *AgentRateLimiter) SetAgentLimit(agent string, requestsPerSecond float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agentLimiters[agent] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Allow checks if a request to agent should be handled
func (l *AgentRateLimiter) Allow(agent string) bool {
	l.mu.RLock()
	limiter, exists := l.agentLimiters[agent]
	l.mu.RUnlock()

	if !exists {
		return true // No limit set for this agent
	}

	return limiter.Allow()
}
