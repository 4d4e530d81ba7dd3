package access

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pthm/veil/pkg/filter"
)

// Resolution is the ordered policy set of one identity.
type Resolution struct {
	Identity Identity
	// Roles is the role chain, outermost parent first.
	Roles []string
	// Policies is ordered by precedence, lowest first: public policies,
	// then role policies from the outermost role inwards, then user policies.
	Policies []Policy
	Admin    bool
	App      bool
}

// PolicyIDs returns the policy IDs in precedence order.
func (r *Resolution) PolicyIDs() []string {
	ids := make([]string, len(r.Policies))
	for i, p := range r.Policies {
		ids[i] = p.ID
	}
	return ids
}

// Variables returns the dynamic variable values for this requester.
func (r *Resolution) Variables(now time.Time) filter.Variables {
	return filter.Variables{
		User:     r.Identity.User,
		Role:     r.Identity.Role,
		Roles:    slices.Clone(r.Roles),
		Policies: r.PolicyIDs(),
		Now:      now,
	}
}

// Grant is the effective read access to one collection.
type Grant struct {
	Collection string
	Action     Action
	// Rule is every matching rule merged with StrategyOr.
	Rule Permission
	// Cases holds the distinct row filters with dynamic variables resolved.
	Cases *CaseSet
}

// AllowsField reports whether any case exposes field.
func (g *Grant) AllowsField(field string) bool {
	return g.Rule.AllowsField(field)
}

// Limit returns the row cap of the merged rule, if it sets one.
func (g *Grant) Limit() (int, bool) {
	if g.Rule.Limit == nil || *g.Rule.Limit == NoLimit {
		return 0, false
	}
	return *g.Rule.Limit, true
}

// Grants maps collection names to their grants. A collection without an
// entry has no permission at all.
type Grants map[string]*Grant

// Service resolves policies and permission rules from a Store.
type Service struct {
	store Store
	cache *Cache
	log   logrus.FieldLogger
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCache enables caching of role chains, policy sets and rule lists.
func WithCache(c *Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) { s.log = log }
}

// WithClock overrides the time source used for $NOW.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		s.log = l
	}
	return s
}

// Resolve orders the identity's policies and computes the admin and app
// access flags. Policies restricted to IP ranges are dropped unless the
// identity's IP is known and inside one of them.
func (s *Service) Resolve(ctx context.Context, id Identity) (*Resolution, error) {
	res := &Resolution{Identity: id}
	if id.Admin {
		res.Admin = true
		res.App = true
		return res, nil
	}

	roles := slices.Clone(id.Roles)
	if len(roles) == 0 && id.Role != "" {
		chain, err := s.roleChain(ctx, id.Role)
		if err != nil {
			return nil, err
		}
		roles = chain
	}
	res.Roles = roles

	public, err := s.attachments(ctx, nil, "")
	if err != nil {
		return nil, err
	}
	var scoped []AttachedPolicy
	if len(roles) > 0 {
		scoped, err = s.attachments(ctx, roles, id.User)
		if err != nil {
			return nil, err
		}
	}

	ordered := orderAttachments(public, scoped, roles)
	seen := map[string]bool{}
	for _, ap := range ordered {
		if seen[ap.Policy.ID] {
			continue
		}
		if !ipAllowed(ap.Policy.IPAccess, id.IP) {
			s.log.WithFields(logrus.Fields{"policy": ap.Policy.ID}).Debug("policy excluded by ip allowlist")
			continue
		}
		seen[ap.Policy.ID] = true
		res.Policies = append(res.Policies, ap.Policy)
		res.Admin = res.Admin || ap.Policy.AdminAccess
		res.App = res.App || ap.Policy.AppAccess
	}

	s.log.WithFields(logrus.Fields{
		"user":     id.User,
		"role":     id.Role,
		"policies": len(res.Policies),
		"admin":    res.Admin,
	}).Debug("resolved policies")
	return res, nil
}

// orderAttachments puts public attachments first, then role attachments in
// chain order, then user attachments. Each group keeps the store's sort
// order.
func orderAttachments(public, scoped []AttachedPolicy, roles []string) []AttachedPolicy {
	out := make([]AttachedPolicy, 0, len(public)+len(scoped))
	for _, ap := range public {
		if ap.Attachment.Public() {
			out = append(out, ap)
		}
	}

	var byRole, byUser []AttachedPolicy
	for _, ap := range scoped {
		if ap.Attachment.Role != "" && slices.Contains(roles, ap.Attachment.Role) {
			byRole = append(byRole, ap)
		} else if ap.Attachment.User != "" {
			byUser = append(byUser, ap)
		}
	}
	sort.SliceStable(byRole, func(i, j int) bool {
		ri := slices.Index(roles, byRole[i].Attachment.Role)
		rj := slices.Index(roles, byRole[j].Attachment.Role)
		if ri != rj {
			return ri < rj
		}
		return byRole[i].Attachment.Sort < byRole[j].Attachment.Sort
	})
	sort.SliceStable(byUser, func(i, j int) bool {
		return byUser[i].Attachment.Sort < byUser[j].Attachment.Sort
	})
	out = append(out, byRole...)
	return append(out, byUser...)
}

// ipAllowed reports whether ip satisfies an allowlist. An empty list allows
// every request; an unknown or malformed ip never satisfies a non-empty one.
func ipAllowed(allow []string, ip string) bool {
	if len(allow) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range allow {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}

// Grants fetches and merges the rules for action on each collection. An
// admin resolution needs no grants and yields an empty map.
func (s *Service) Grants(ctx context.Context, res *Resolution, action Action, collections []string) (Grants, error) {
	grants := Grants{}
	if res.Admin {
		return grants, nil
	}

	ids := res.PolicyIDs()
	rules, err := s.permissions(ctx, ids, action)
	if err != nil {
		return nil, err
	}

	rank := make(map[string]int, len(ids))
	for i, id := range ids {
		rank[id] = i
	}
	rules = slices.Clone(rules)
	sort.SliceStable(rules, func(i, j int) bool {
		return rank[rules[i].Policy] < rank[rules[j].Policy]
	})

	vars := res.Variables(s.now())
	for _, collection := range collections {
		if _, done := grants[collection]; done {
			continue
		}
		var matching []Permission
		for _, r := range rules {
			if r.Collection == collection {
				matching = append(matching, r)
			}
		}
		if len(matching) == 0 {
			continue
		}

		merged := MergePermissions(StrategyOr, matching)[0]
		merged.Filter = filter.Resolve(merged.Filter, vars)
		merged.Validation = filter.Resolve(merged.Validation, vars)
		if merged.Presets != nil {
			merged.Presets = filter.ResolveValue(map[string]any(merged.Presets), vars).(filter.Filter)
		}

		grants[collection] = &Grant{
			Collection: collection,
			Action:     action,
			Rule:       merged,
			Cases:      BuildCases(collection, matching).Resolve(vars),
		}
	}

	s.log.WithFields(logrus.Fields{
		"action":      action,
		"collections": collections,
		"granted":     len(grants),
	}).Debug("fetched permissions")
	return grants, nil
}

func (s *Service) roleChain(ctx context.Context, role string) ([]string, error) {
	if s.cache != nil {
		if chain, ok := s.cache.chain(role); ok {
			return slices.Clone(chain), nil
		}
	}
	chain, err := s.store.RoleChain(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("resolving role chain of %q: %w", role, err)
	}
	if s.cache != nil {
		s.cache.setChain(role, chain)
	}
	return slices.Clone(chain), nil
}

func (s *Service) attachments(ctx context.Context, roles []string, user string) ([]AttachedPolicy, error) {
	key := strings.Join(roles, ",") + "|" + user
	if s.cache != nil {
		if p, ok := s.cache.policies(key); ok {
			return p, nil
		}
	}
	p, err := s.store.Attachments(ctx, roles, user)
	if err != nil {
		return nil, fmt.Errorf("fetching policies: %w", err)
	}
	if s.cache != nil {
		s.cache.setPolicies(key, p)
	}
	return p, nil
}

func (s *Service) permissions(ctx context.Context, policies []string, action Action) ([]Permission, error) {
	if len(policies) == 0 {
		return nil, nil
	}
	if s.cache != nil {
		if p, ok := s.cache.permissions(policies, action); ok {
			return p, nil
		}
	}
	p, err := s.store.Permissions(ctx, policies, action)
	if err != nil {
		return nil, fmt.Errorf("fetching permissions: %w", err)
	}
	if s.cache != nil {
		s.cache.setPermissions(policies, action, p)
	}
	return p, nil
}
