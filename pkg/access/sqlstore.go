package access

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/pthm/veil/pkg/events"
	"github.com/pthm/veil/pkg/filter"
)

// DB is the subset of *sql.DB, *sql.Tx and *sql.Conn the SQL store uses.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLStore reads access data from the veil_roles, veil_policies,
// veil_access and veil_permissions tables created by the migrator.
type SQLStore struct {
	db  DB
	sb  sq.StatementBuilderType
	bus events.Bus
}

// SQLStoreOption configures an SQLStore.
type SQLStoreOption func(*SQLStore)

// WithPlaceholder sets the bind parameter style. Default sq.Dollar.
func WithPlaceholder(format sq.PlaceholderFormat) SQLStoreOption {
	return func(s *SQLStore) { s.sb = s.sb.PlaceholderFormat(format) }
}

// WithBus publishes change events after Import.
func WithBus(bus events.Bus) SQLStoreOption {
	return func(s *SQLStore) { s.bus = bus }
}

// NewSQLStore creates a store over db.
func NewSQLStore(db DB, opts ...SQLStoreOption) *SQLStore {
	s := &SQLStore{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLStore) RoleChain(ctx context.Context, role string) ([]string, error) {
	chain := []string{role}
	current := role
	for range maxRoleDepth {
		query, args, err := s.sb.Select("parent").From("veil_roles").Where(sq.Eq{"id": current}).ToSql()
		if err != nil {
			return nil, err
		}
		var parent sql.NullString
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("querying role %q: %w", current, err)
		}
		if rows.Next() {
			if err := rows.Scan(&parent); err != nil {
				rows.Close()
				return nil, err
			}
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
		if !parent.Valid || parent.String == "" || slices.Contains(chain, parent.String) {
			break
		}
		chain = append(chain, parent.String)
		current = parent.String
	}
	slices.Reverse(chain)
	return chain, nil
}

func (s *SQLStore) Attachments(ctx context.Context, roles []string, user string) ([]AttachedPolicy, error) {
	var where sq.Sqlizer
	switch {
	case len(roles) == 0 && user == "":
		where = sq.Eq{"a.role": nil, "a.user_id": nil}
	case user == "":
		where = sq.Eq{"a.role": roles}
	default:
		where = sq.Or{sq.Eq{"a.role": roles}, sq.Eq{"a.user_id": user}}
	}

	query, args, err := s.sb.
		Select("a.id", "a.policy", "a.role", "a.user_id", "a.sort",
			"p.name", "p.admin_access", "p.app_access", "p.ip_access").
		From("veil_access a").
		Join("veil_policies p ON p.id = a.policy").
		Where(where).
		OrderBy("a.sort", "a.id").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying policy attachments: %w", err)
	}
	defer rows.Close()

	var out []AttachedPolicy
	for rows.Next() {
		var (
			ap               AttachedPolicy
			role, usr, ipCSV sql.NullString
			name             sql.NullString
		)
		if err := rows.Scan(&ap.Attachment.ID, &ap.Attachment.Policy, &role, &usr, &ap.Attachment.Sort,
			&name, &ap.Policy.AdminAccess, &ap.Policy.AppAccess, &ipCSV); err != nil {
			return nil, err
		}
		ap.Attachment.Role = role.String
		ap.Attachment.User = usr.String
		ap.Policy.ID = ap.Attachment.Policy
		ap.Policy.Name = name.String
		ap.Policy.IPAccess = splitList(ipCSV.String)
		out = append(out, ap)
	}
	return out, rows.Err()
}

func (s *SQLStore) Permissions(ctx context.Context, policies []string, action Action) ([]Permission, error) {
	query, args, err := s.sb.
		Select("id", "policy", "collection", "action", "fields", "permissions", "validation", "presets", "row_limit").
		From("veil_permissions").
		Where(sq.Eq{"policy": policies, "action": string(action)}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying permissions: %w", err)
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		var (
			p                                     Permission
			act                                   string
			fields, rowFilter, validation, preset sql.NullString
			limit                                 sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.Policy, &p.Collection, &act, &fields, &rowFilter, &validation, &preset, &limit); err != nil {
			return nil, err
		}
		p.Action = Action(act)
		p.Fields = splitList(fields.String)
		if p.Filter, err = decodeFilter(rowFilter); err != nil {
			return nil, fmt.Errorf("permission %s: permissions: %w", p.ID, err)
		}
		if p.Validation, err = decodeFilter(validation); err != nil {
			return nil, fmt.Errorf("permission %s: validation: %w", p.ID, err)
		}
		if preset.Valid && preset.String != "" {
			if err := json.Unmarshal([]byte(preset.String), &p.Presets); err != nil {
				return nil, fmt.Errorf("permission %s: presets: %w", p.ID, err)
			}
		}
		if limit.Valid {
			v := int(limit.Int64)
			p.Limit = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Import writes a fixture into the access tables and publishes one
// access-changed event. Rows are inserted, not upserted.
func (s *SQLStore) Import(ctx context.Context, fx *Fixture) error {
	for _, r := range fx.Roles {
		if err := s.exec(ctx, s.sb.Insert("veil_roles").
			Columns("id", "name", "parent").
			Values(r.ID, r.Name, nullable(r.Parent))); err != nil {
			return fmt.Errorf("importing role %q: %w", r.ID, err)
		}
	}
	for _, p := range fx.Policies {
		if err := s.exec(ctx, s.sb.Insert("veil_policies").
			Columns("id", "name", "admin_access", "app_access", "ip_access").
			Values(p.ID, p.Name, p.AdminAccess, p.AppAccess, nullable(strings.Join(p.IPAccess, ",")))); err != nil {
			return fmt.Errorf("importing policy %q: %w", p.ID, err)
		}
	}
	for i, a := range fx.Access {
		id := a.ID
		if id == "" {
			id = "access-" + strconv.Itoa(i+1)
		}
		if err := s.exec(ctx, s.sb.Insert("veil_access").
			Columns("id", "policy", "role", "user_id", "sort").
			Values(id, a.Policy, nullable(a.Role), nullable(a.User), a.Sort)); err != nil {
			return fmt.Errorf("importing attachment %q: %w", id, err)
		}
	}
	for i, p := range fx.Permissions {
		id := p.ID
		if id == "" {
			id = fmt.Sprintf("perm-%06d", i+1)
		}
		rowFilter, err := encodeJSON(map[string]any(p.Filter))
		if err != nil {
			return err
		}
		validation, err := encodeJSON(map[string]any(p.Validation))
		if err != nil {
			return err
		}
		presets, err := encodeJSON(p.Presets)
		if err != nil {
			return err
		}
		var limit any
		if p.Limit != nil {
			limit = *p.Limit
		}
		if err := s.exec(ctx, s.sb.Insert("veil_permissions").
			Columns("id", "policy", "collection", "action", "fields", "permissions", "validation", "presets", "row_limit").
			Values(id, p.Policy, p.Collection, string(p.Action), strings.Join(p.Fields, ","), rowFilter, validation, presets, limit)); err != nil {
			return fmt.Errorf("importing permission %q: %w", id, err)
		}
	}

	if s.bus != nil {
		s.bus.Publish(events.NewEvent(events.TopicAccessChanged, "import"))
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, b sq.InsertBuilder) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func decodeFilter(v sql.NullString) (filter.Filter, error) {
	if !v.Valid || v.String == "" || v.String == "null" {
		return nil, nil
	}
	f, err := filter.Parse([]byte(v.String))
	if err != nil {
		return nil, err
	}
	return f, nil
}

func encodeJSON(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
