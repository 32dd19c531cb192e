// Package audience evaluates schedule audience selectors against the current
// user's membership data. Tag-group data may live behind a remote service;
// resolution goes through the TagResolver collaborator and is retried by the
// prepare pipeline, while the predicate evaluation itself is local and pure.
package audience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"autoflow/internal/types"
)

// Membership is the locally known audience data for the current user.
type Membership struct {
	// DeviceID identifies the device for test-device matching. Test device
	// entries are hex-encoded SHA-256 hashes of device ids.
	DeviceID string

	// IsNewUser reports whether the user was first seen after install.
	IsNewUser bool

	// Tags are the device-level tags.
	Tags []string

	// GroupTags maps tag group name to the tags held in that group.
	// Populated from the TagResolver before evaluation.
	GroupTags map[string][]string
}

// MembershipSource supplies the current membership. Implemented by the host
// application.
type MembershipSource interface {
	Current(ctx context.Context) (*Membership, error)
}

// TagResolver fetches tag-group data for the given group names. Implemented
// over a remote service or cache; errors are treated as transient by the
// prepare pipeline.
type TagResolver interface {
	Resolve(ctx context.Context, groups []string) (map[string][]string, error)
}

// RequiredGroups returns the tag group names the selector references, so the
// caller knows what to resolve before evaluating.
func RequiredGroups(sel *types.AudienceSelector) []string {
	if sel == nil || sel.Tags == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	collectGroups(sel.Tags, seen, &out)
	return out
}

func collectGroups(p *types.TagPredicate, seen map[string]struct{}, out *[]string) {
	if p == nil {
		return
	}
	if p.Group != "" {
		if _, ok := seen[p.Group]; !ok {
			seen[p.Group] = struct{}{}
			*out = append(*out, p.Group)
		}
	}
	for i := range p.And {
		collectGroups(&p.And[i], seen, out)
	}
	for i := range p.Or {
		collectGroups(&p.Or[i], seen, out)
	}
	collectGroups(p.Not, seen, out)
}

// Evaluate reports whether the membership satisfies the selector. A nil
// selector matches everyone. Test devices short-circuit every other check.
func Evaluate(sel *types.AudienceSelector, m *Membership) bool {
	if sel == nil {
		return true
	}
	if m == nil {
		m = &Membership{}
	}

	if len(sel.TestDevices) > 0 {
		hash := hashDeviceID(m.DeviceID)
		for _, d := range sel.TestDevices {
			if d == hash {
				return true
			}
		}
		return false
	}

	if sel.NewUser != nil && *sel.NewUser != m.IsNewUser {
		return false
	}

	if sel.Tags != nil && !matchTags(sel.Tags, m) {
		return false
	}

	return true
}

func matchTags(p *types.TagPredicate, m *Membership) bool {
	switch {
	case len(p.And) > 0:
		for i := range p.And {
			if !matchTags(&p.And[i], m) {
				return false
			}
		}
		return true
	case len(p.Or) > 0:
		for i := range p.Or {
			if matchTags(&p.Or[i], m) {
				return true
			}
		}
		return false
	case p.Not != nil:
		return !matchTags(p.Not, m)
	default:
		return hasTag(p, m)
	}
}

func hasTag(p *types.TagPredicate, m *Membership) bool {
	tags := m.Tags
	if p.Group != "" {
		tags = m.GroupTags[p.Group]
	}
	for _, t := range tags {
		if t == p.Tag {
			return true
		}
	}
	return false
}

// hashDeviceID hashes a device id the way test-device entries are stored.
func hashDeviceID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// HashDeviceID exposes the test-device hashing for tooling and tests.
func HashDeviceID(id string) string { return hashDeviceID(id) }
