package access

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"

	"sigs.k8s.io/yaml"

	"github.com/pthm/veil/pkg/events"
)

// Store reads access data.
type Store interface {
	// RoleChain returns role and its ancestors ordered from the outermost
	// parent to role itself. An unknown role yields a chain of just role.
	RoleChain(ctx context.Context, role string) ([]string, error)
	// Attachments returns policy attachments for any of roles or for user,
	// joined with their policies. With no roles and no user it returns the
	// public attachments.
	Attachments(ctx context.Context, roles []string, user string) ([]AttachedPolicy, error)
	// Permissions returns the rules of the given policies for one action.
	Permissions(ctx context.Context, policies []string, action Action) ([]Permission, error)
}

// maxRoleDepth bounds parent traversal so a cycle in the role table cannot
// loop forever.
const maxRoleDepth = 64

// Fixture is the YAML document a MemoryStore loads.
type Fixture struct {
	Roles       []Role       `json:"roles,omitempty"`
	Policies    []Policy     `json:"policies,omitempty"`
	Access      []Attachment `json:"access,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// MemoryStore is an in-memory Store. Writes publish change events on the
// bus given to NewMemoryStore.
type MemoryStore struct {
	mu          sync.RWMutex
	roles       map[string]Role
	policies    map[string]Policy
	access      []Attachment
	permissions []Permission
	bus         events.Bus
}

// NewMemoryStore creates an empty store. bus may be nil.
func NewMemoryStore(bus events.Bus) *MemoryStore {
	return &MemoryStore{
		roles:    map[string]Role{},
		policies: map[string]Policy{},
		bus:      bus,
	}
}

// LoadFixture reads a YAML fixture file into a new MemoryStore.
func LoadFixture(path string, bus events.Bus) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading access fixture: %w", err)
	}
	return ParseFixture(data, bus)
}

// ParseFixture decodes a YAML or JSON fixture into a new MemoryStore.
func ParseFixture(data []byte, bus events.Bus) (*MemoryStore, error) {
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parsing access fixture: %w", err)
	}
	s := NewMemoryStore(bus)
	for _, r := range fx.Roles {
		s.roles[r.ID] = r
	}
	for _, p := range fx.Policies {
		s.policies[p.ID] = p
	}
	for _, a := range fx.Access {
		if _, ok := s.policies[a.Policy]; !ok {
			return nil, fmt.Errorf("parsing access fixture: attachment references unknown policy %q", a.Policy)
		}
		s.access = append(s.access, a)
	}
	for _, p := range fx.Permissions {
		if !p.Action.Valid() {
			return nil, fmt.Errorf("parsing access fixture: permission for %q has unknown action %q", p.Collection, p.Action)
		}
		s.permissions = append(s.permissions, p)
	}
	return s, nil
}

func (s *MemoryStore) RoleChain(_ context.Context, role string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := []string{role}
	current := role
	for range maxRoleDepth {
		r, ok := s.roles[current]
		if !ok || r.Parent == "" || slices.Contains(chain, r.Parent) {
			break
		}
		chain = append(chain, r.Parent)
		current = r.Parent
	}
	slices.Reverse(chain)
	return chain, nil
}

func (s *MemoryStore) Attachments(_ context.Context, roles []string, user string) ([]AttachedPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AttachedPolicy
	for _, a := range s.access {
		match := false
		switch {
		case len(roles) == 0 && user == "":
			match = a.Public()
		case user != "" && a.User == user:
			match = true
		case a.Role != "" && slices.Contains(roles, a.Role):
			match = true
		}
		if !match {
			continue
		}
		p, ok := s.policies[a.Policy]
		if !ok {
			continue
		}
		out = append(out, AttachedPolicy{Attachment: a, Policy: p})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Attachment.Sort < out[j].Attachment.Sort
	})
	return out, nil
}

func (s *MemoryStore) Permissions(_ context.Context, policies []string, action Action) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Permission
	for _, p := range s.permissions {
		if p.Action == action && slices.Contains(policies, p.Policy) {
			out = append(out, clonePermission(p))
		}
	}
	return out, nil
}

// PutRole adds or replaces a role.
func (s *MemoryStore) PutRole(r Role) {
	s.mu.Lock()
	s.roles[r.ID] = r
	s.mu.Unlock()
	s.publish(events.TopicRolesChanged, r.ID)
}

// PutPolicy adds or replaces a policy.
func (s *MemoryStore) PutPolicy(p Policy) {
	s.mu.Lock()
	s.policies[p.ID] = p
	s.mu.Unlock()
	s.publish(events.TopicPoliciesChanged, p.ID)
}

// Attach adds a policy attachment.
func (s *MemoryStore) Attach(a Attachment) {
	s.mu.Lock()
	s.access = append(s.access, a)
	s.mu.Unlock()
	s.publish(events.TopicAccessChanged, a.Policy)
}

// PutPermission adds a permission rule.
func (s *MemoryStore) PutPermission(p Permission) {
	s.mu.Lock()
	s.permissions = append(s.permissions, clonePermission(p))
	s.mu.Unlock()
	s.publish(events.TopicPermissionsChanged, p.Collection)
}

// RemovePermissions deletes every rule of a policy for a collection.
func (s *MemoryStore) RemovePermissions(policy, collection string) {
	s.mu.Lock()
	s.permissions = slices.DeleteFunc(s.permissions, func(p Permission) bool {
		return p.Policy == policy && p.Collection == collection
	})
	s.mu.Unlock()
	s.publish(events.TopicPermissionsChanged, collection)
}

func (s *MemoryStore) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(events.NewEvent(topic, payload))
	}
}
