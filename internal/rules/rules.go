// Package rules implements the local rule engine answering blocked domains
// without forwarding them upstream.
package rules

import (
	"sort"
	"strings"
	"sync"

	"github.com/Control-D-Inc/tunneld"
)

// Action is what a matched rule does with a query.
type Action string

const (
	ActionBlock Action = "block"
	ActionAllow Action = "allow"
)

type rule struct {
	pattern string
	action  Action
}

// Engine matches query names against the configured rules.
type Engine struct {
	source func() map[string]string

	mu    sync.RWMutex
	rules []rule
}

// New returns an empty Engine loading its rules from source on refresh.
func New(source func() map[string]string) *Engine {
	return &Engine{source: source}
}

// RefreshRuleCount reloads the rules and returns how many are active.
func (e *Engine) RefreshRuleCount() int {
	var loaded []rule
	for pattern, action := range e.source() {
		pattern = tunneld.CanonicalName(pattern)
		if pattern == "" {
			continue
		}
		loaded = append(loaded, rule{pattern: pattern, action: Action(strings.ToLower(action))})
	}
	// Exact names first, then the most specific wildcard.
	sort.Slice(loaded, func(i, j int) bool {
		wi, wj := strings.Contains(loaded[i].pattern, "*"), strings.Contains(loaded[j].pattern, "*")
		if wi != wj {
			return !wi
		}
		if len(loaded[i].pattern) != len(loaded[j].pattern) {
			return len(loaded[i].pattern) > len(loaded[j].pattern)
		}
		return loaded[i].pattern < loaded[j].pattern
	})
	e.mu.Lock()
	e.rules = loaded
	e.mu.Unlock()
	tunneld.ProxyLogger.Load().Debug().Msgf("rules: %d rules loaded", len(loaded))
	return len(loaded)
}

// Cleanup drops every rule.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	e.rules = nil
	e.mu.Unlock()
}

// Match returns the action of the first rule matching name.
func (e *Engine) Match(name string) (action Action, pattern string, ok bool) {
	name = tunneld.CanonicalName(name)
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.pattern == name || wildcardMatches(r.pattern, name) {
			return r.action, r.pattern, true
		}
	}
	return "", "", false
}

// Blocked reports whether name must be answered locally as blocked.
func (e *Engine) Blocked(name string) bool {
	action, _, ok := e.Match(name)
	return ok && action == ActionBlock
}

// wildcardMatches reports whether str matches a pattern with at most one "*".
func wildcardMatches(wildcard, str string) bool {
	if wildcard == "" {
		return false
	}
	if wildcard == "*" {
		return true
	}
	prefix, suffix, found := strings.Cut(wildcard, "*")
	if !found {
		return wildcard == str
	}
	if strings.Contains(suffix, "*") {
		return false
	}
	return len(str) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(str, prefix) &&
		strings.HasSuffix(str, suffix)
}
