package workload

import (
	"fmt"
	"regexp"
)

// Resolver maps an allocation's component name to an agent id. The mapping
// is opaque to the tracker and may change between cycles.
type Resolver interface {
	Resolve(component string) (agentID string, ok bool)
}

// ResolverFunc adapts a plain function to Resolver.
type ResolverFunc func(component string) (string, bool)

// Resolve calls f.
func (f ResolverFunc) Resolve(component string) (string, bool) { return f(component) }

// PatternResolver extracts the agent id from a component name with a
// regular expression holding a named group "agent".
type PatternResolver struct {
	re  *regexp.Regexp
	idx int
}

// NewPatternResolver compiles pattern. The pattern must contain a named
// group called "agent".
func NewPatternResolver(pattern string) (*PatternResolver, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid agent pattern: %w", err)
	}
	idx := re.SubexpIndex("agent")
	if idx < 0 {
		return nil, fmt.Errorf("agent pattern %q has no named group \"agent\"", pattern)
	}
	return &PatternResolver{re: re, idx: idx}, nil
}

// Resolve implements Resolver. Components that do not match, or match
// with an empty agent group, are unattributed.
func (r *PatternResolver) Resolve(component string) (string, bool) {
	m := r.re.FindStringSubmatch(component)
	if m == nil || m[r.idx] == "" {
		return "", false
	}
	return m[r.idx], true
}
