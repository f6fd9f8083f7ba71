package licensing

import (
	"errors"
	"fmt"
	"time"
)

// Default policy values used when the configuration leaves them unset.
const (
	DefaultMaxDuration      = 365 * 24 * time.Hour
	DefaultRenewalThreshold = 7 * 24 * time.Hour
	DefaultGraceWindow      = 3 * 24 * time.Hour
	MinDuration             = time.Second
)

// Policy is the issuance and renewal configuration. It is read-only after
// construction and safe to share between goroutines.
type Policy struct {
	scopes           map[string]struct{}
	MaxDuration      time.Duration
	RenewalThreshold time.Duration
	GraceWindow      time.Duration
}

// NewPolicy builds a policy recognizing the given entitlement tags. Zero
// durations fall back to the defaults.
func NewPolicy(scopes []string, maxDuration, renewalThreshold, graceWindow time.Duration) (*Policy, error) {
	tags := NormalizeScope(scopes)
	if len(tags) == 0 {
		return nil, errors.New("policy must recognize at least one scope")
	}
	if maxDuration == 0 {
		maxDuration = DefaultMaxDuration
	}
	if renewalThreshold == 0 {
		renewalThreshold = DefaultRenewalThreshold
	}
	if graceWindow == 0 {
		graceWindow = DefaultGraceWindow
	}
	if maxDuration < MinDuration {
		return nil, fmt.Errorf("max duration %s is below %s", maxDuration, MinDuration)
	}
	if renewalThreshold < 0 || graceWindow < 0 {
		return nil, errors.New("renewal threshold and grace window must not be negative")
	}

	p := &Policy{
		scopes:           make(map[string]struct{}, len(tags)),
		MaxDuration:      maxDuration,
		RenewalThreshold: renewalThreshold,
		GraceWindow:      graceWindow,
	}
	for _, tag := range tags {
		p.scopes[tag] = struct{}{}
	}
	return p, nil
}

// Recognizes reports whether tag is a known entitlement.
func (p *Policy) Recognizes(tag string) bool {
	_, ok := p.scopes[tag]
	return ok
}

// Scopes returns the recognized tags, sorted.
func (p *Policy) Scopes() []string {
	out := make([]string, 0, len(p.scopes))
	for tag := range p.scopes {
		out = append(out, tag)
	}
	return NormalizeScope(out)
}
