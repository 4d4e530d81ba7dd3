package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/veil"
	"github.com/pthm/veil/internal/cli"
	"github.com/pthm/veil/pkg/access"
	"github.com/pthm/veil/pkg/query"
	"github.com/pthm/veil/pkg/schema"
)

// requestFlags are the identity and query inputs shared by compile and
// query.
type requestFlags struct {
	schema string
	access string
	db     string

	user   string
	role   string
	roles  []string
	admin  bool
	ip     string
	action string
	sudo   bool
}

func (f *requestFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.schema, "schema", "", "path to the catalog YAML")
	fs.StringVar(&f.access, "access", "", "path to an access fixture YAML (default: read the database)")
	fs.StringVar(&f.db, "db", "", "database URL")
	fs.StringVar(&f.user, "user", "", "requesting user id")
	fs.StringVar(&f.role, "role", "", "requesting role id")
	fs.StringSliceVar(&f.roles, "roles", nil, "explicit role chain, outermost parent first")
	fs.BoolVar(&f.admin, "admin", false, "treat the identity as already trusted with full access")
	fs.StringVar(&f.ip, "ip", "", "request address checked against policy ip_access")
	fs.StringVar(&f.action, "action", string(access.ActionRead), "permission action")
	fs.BoolVar(&f.sudo, "sudo", false, "skip permission checks")
}

func (f *requestFlags) identity() access.Identity {
	return access.Identity{
		User:  f.user,
		Role:  f.role,
		Roles: f.roles,
		Admin: f.admin,
		IP:    f.ip,
	}
}

// session is an engine wired to the configured catalog, access store and
// (optionally) database.
type session struct {
	engine  *veil.Engine
	db      *sql.DB
	closers []func()
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openSession builds the engine. The database is opened when needDB is set
// or when no access fixture is configured, since the access store then
// lives in the database.
func openSession(ctx context.Context, f *requestFlags, needDB bool) (*session, error) {
	c := *cfg
	c.Schema = resolveString(f.schema, cfg.Schema)
	c.Access = resolveString(f.access, cfg.Access)
	if f.db != "" {
		c.Database.URL = f.db
	}

	catalog, err := loadCatalog(c.Schema)
	if err != nil {
		return nil, err
	}
	dialect, err := c.SQLDialect()
	if err != nil {
		return nil, err
	}

	s := &session{}
	if needDB || (c.Access == "" && !f.sudo) {
		db, _, err := cli.OpenDB(ctx, &c)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.closers = append(s.closers, func() { _ = db.Close() })
	}

	opts := []veil.Option{
		veil.WithDialect(dialect.Name()),
		veil.WithLogger(logger),
		veil.WithDefaultLimit(c.Query.LimitDefault),
		veil.WithMaxLimit(c.Query.MaxLimit),
	}
	if c.Query.RelationalBatchSize > 0 {
		opts = append(opts, veil.WithBatchSize(c.Query.RelationalBatchSize))
	}

	var svc *access.Service
	if f.sudo {
		opts = append(opts, veil.WithDecision(veil.DecisionAllow))
	} else {
		var closeCache func()
		svc, closeCache, err = cli.AccessService(&c, s.db, dialect, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, closeCache)
	}

	s.engine, err = veil.New(catalog, svc, opts...)
	if err != nil {
		s.Close()
		return nil, cli.ConfigError("creating engine", err)
	}
	return s, nil
}

func loadCatalog(path string) (*schema.Catalog, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, cli.SchemaParseError(fmt.Sprintf("catalog not found: %s", path), nil)
	}
	catalog, err := schema.Load(path)
	if err != nil {
		return nil, cli.SchemaParseError("parsing catalog", err)
	}
	if err := catalog.Validate(); err != nil {
		return nil, cli.SchemaParseError("validating catalog", err)
	}
	return catalog, nil
}

// readQuery loads a query document from path, "-" for stdin, or returns
// an empty query when path is empty.
func readQuery(path string, stdin io.Reader) (*query.Query, error) {
	var (
		data []byte
		err  error
	)
	switch path {
	case "":
		return &query.Query{}, nil
	case "-":
		data, err = io.ReadAll(stdin)
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, cli.GeneralError("reading query", err)
	}
	q, err := query.Parse(data)
	if err != nil {
		return nil, cli.QueryError("parsing query", err)
	}
	return q, nil
}
