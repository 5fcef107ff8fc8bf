package security

import (
	"fmt"
	"sort"
	"strings"
)

// toolSet is immutable once built. Allowlist updates swap whole sets so a
// reader never observes a partially updated allowlist.
type toolSet map[string]struct{}

func newToolSet(tools []string) toolSet {
	s := make(toolSet, len(tools))
	for _, t := range tools {
		t = strings.TrimSpace(t)
		if t != "" {
			s[t] = struct{}{}
		}
	}
	return s
}

func (s toolSet) has(tool string) bool {
	_, ok := s[tool]
	return ok
}

func (s toolSet) sorted() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// lookup returns the effective set for an engagement. Unconfigured
// engagements fall back to the default set at lookup time.
func (v *Validator) lookup(engagementID string) (toolSet, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.allowlists[engagementID]
	if !ok {
		return v.defaults, false
	}
	return s, true
}

// ValidateToolAccess fails with a CrossTenantError when the engagement may
// not call tool.
func (v *Validator) ValidateToolAccess(tool, engagementID string) error {
	allowed, configured := v.lookup(engagementID)
	if !allowed.has(tool) {
		v.logger.Warn("tool access denied",
			"tool", tool,
			"engagement_id", engagementID,
			"configured_allowlist", configured,
		)
		return &CrossTenantError{
			Requesting: engagementID,
			Target:     engagementID,
			Tool:       tool,
			Reason:     "tool not allowed for engagement",
		}
	}
	v.logger.Debug("tool access granted", "tool", tool, "engagement_id", engagementID)
	return nil
}

// SetEngagementAllowlist replaces the engagement's allowlist. Every tool
// must belong to the default tool set.
func (v *Validator) SetEngagementAllowlist(engagementID string, tools []string) error {
	next := newToolSet(tools)

	var unknown []string
	for t := range next {
		if !v.defaults.has(t) {
			unknown = append(unknown, t)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("engagement %q: %w: %s", engagementID, ErrToolNotSanctioned, strings.Join(unknown, ", "))
	}

	v.mu.Lock()
	v.allowlists[engagementID] = next
	v.mu.Unlock()

	v.logger.Info("engagement allowlist updated", "engagement_id", engagementID, "tools", next.sorted())
	return nil
}

// ClearEngagementAllowlist drops an explicit allowlist so the engagement
// falls back to the default set.
func (v *Validator) ClearEngagementAllowlist(engagementID string) {
	v.mu.Lock()
	delete(v.allowlists, engagementID)
	v.mu.Unlock()
	v.logger.Info("engagement allowlist cleared", "engagement_id", engagementID)
}

// GetEngagementAllowlist returns a sorted copy of the effective allowlist.
func (v *Validator) GetEngagementAllowlist(engagementID string) []string {
	s, _ := v.lookup(engagementID)
	return s.sorted()
}

// HasEngagementAllowlist reports whether an explicit allowlist is set.
func (v *Validator) HasEngagementAllowlist(engagementID string) bool {
	_, configured := v.lookup(engagementID)
	return configured
}

// DefaultTools returns a sorted copy of the default tool set.
func (v *Validator) DefaultTools() []string {
	return v.defaults.sorted()
}
