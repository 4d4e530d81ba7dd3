// Package access resolves which policies apply to a requester and which
// permission rules those policies grant.
//
// The flow for one request is:
//
//  1. [Service.Resolve] orders the identity's policies (public, then the role
//     chain from the outermost parent inwards, then user policies) and drops
//     IP-restricted policies the request does not satisfy.
//  2. [Service.Grants] fetches the permission rules of those policies for an
//     action, merges them per collection and splits the distinct row filters
//     into [Case] values that field nodes reference by [CaseID].
//
// Stores ([MemoryStore], [SQLStore]) supply roles, attachments, policies and
// rules. A [Cache] keeps resolved policy sets and rule lists until an event on
// the bus says the access data changed.
package access

import (
	"github.com/pthm/veil/pkg/filter"
)

// Action is the operation a permission rule grants.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionShare  Action = "share"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionShare:
		return true
	}
	return false
}

// Identity is the requester context produced by the authentication layer.
//
// Roles may be left empty; the resolver then derives the chain from Role
// through the store. When set, Roles must be ordered from the outermost
// parent to Role itself.
type Identity struct {
	User  string   `json:"user,omitempty"`
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
	// Admin marks a requester the authentication layer already trusts with
	// full access.
	Admin bool   `json:"admin,omitempty"`
	IP    string `json:"ip,omitempty"`
}

// Role is a node of the role hierarchy.
type Role struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Parent string `json:"parent,omitempty"`
}

// Policy is a named bundle of permission rules.
type Policy struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	AdminAccess bool   `json:"admin_access,omitempty"`
	AppAccess   bool   `json:"app_access,omitempty"`
	// IPAccess restricts the policy to requests from these addresses or
	// CIDR ranges. Empty means unrestricted.
	IPAccess []string `json:"ip_access,omitempty"`
}

// Attachment links a policy to a role, to a user, or to neither (public).
type Attachment struct {
	ID     string `json:"id,omitempty"`
	Policy string `json:"policy"`
	Role   string `json:"role,omitempty"`
	User   string `json:"user,omitempty"`
	Sort   int    `json:"sort,omitempty"`
}

// Public reports whether the attachment applies to every requester.
func (a Attachment) Public() bool {
	return a.Role == "" && a.User == ""
}

// AttachedPolicy is an attachment joined with its policy.
type AttachedPolicy struct {
	Attachment Attachment
	Policy     Policy
}

// NoLimit is the permission limit meaning "no cap".
const NoLimit = -1

// Permission is one (collection, action) grant of one policy.
type Permission struct {
	ID         string `json:"id,omitempty"`
	Policy     string `json:"policy,omitempty"`
	Collection string `json:"collection"`
	Action     Action `json:"action"`
	// Fields lists readable fields; "*" grants all of them.
	Fields []string `json:"fields,omitempty"`
	// Filter is the row filter. Nil and empty both grant every row.
	Filter     filter.Filter  `json:"permissions,omitempty"`
	Validation filter.Filter  `json:"validation,omitempty"`
	Presets    map[string]any `json:"presets,omitempty"`
	// Limit caps the number of rows one request may read. Nil means the
	// rule does not say; NoLimit means explicitly uncapped.
	Limit *int `json:"limit,omitempty"`
}

// AllowsField reports whether the rule's field list covers field.
func (p *Permission) AllowsField(field string) bool {
	for _, f := range p.Fields {
		if f == "*" || f == field {
			return true
		}
	}
	return false
}

func (p *Permission) key() string {
	return p.Collection + "__" + string(p.Action)
}
