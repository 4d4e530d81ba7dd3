package veil

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pthm/veil/internal/ast"
	"github.com/pthm/veil/internal/executor"
	"github.com/pthm/veil/internal/sqlgen"
	"github.com/pthm/veil/pkg/access"
	"github.com/pthm/veil/pkg/errs"
	"github.com/pthm/veil/pkg/query"
	"github.com/pthm/veil/pkg/schema"
)

// Defaults applied when the corresponding option is not given.
const (
	DefaultLimit     = 100
	DefaultBatchSize = executor.DefaultBatchSize
)

// Result is the output of a query. Data returns a list of rows, or a
// single row for singleton collections.
type Result = executor.Result

// Row is one output object. Relational fields hold a nested Row, a list,
// or nil.
type Row = executor.Row

// Engine compiles and executes queries against one catalog. Engines are
// safe for concurrent use; all per-request state lives in the Plan.
type Engine struct {
	catalog  *schema.Catalog
	access   *access.Service
	dialect  sqlgen.Dialect
	log      logrus.FieldLogger
	decision Decision

	useContextDecision bool
	defaultLimit       int
	maxLimit           int
	batchSize          int
}

// Option configures an Engine.
type Option func(*Engine) error

// WithDialect selects the SQL dialect by name: postgres, sqlite or mysql.
// The default is postgres.
func WithDialect(name string) Option {
	return func(e *Engine) error {
		d, err := sqlgen.DialectByName(name)
		if err != nil {
			return err
		}
		e.dialect = d
		return nil
	}
}

// WithLogger sets the logger. The default writes warnings to stderr.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) error {
		e.log = log
		return nil
	}
}

// WithDecision sets a decision override that bypasses policy resolution.
// Use DecisionAllow for admin tools or testing authorized paths.
// Use DecisionDeny for testing unauthorized paths.
func WithDecision(d Decision) Option {
	return func(e *Engine) error {
		e.decision = d
		return nil
	}
}

// WithContextDecision enables context-based decision overrides.
// Decision precedence when enabled:
//  1. Context decision (via WithDecisionContext)
//  2. Engine decision (via WithDecision)
//  3. Policy resolution
func WithContextDecision() Option {
	return func(e *Engine) error {
		e.useContextDecision = true
		return nil
	}
}

// WithDefaultLimit sets the page size used when a query omits limit.
func WithDefaultLimit(n int) Option {
	return func(e *Engine) error {
		if n < query.Unbounded {
			return fmt.Errorf("default limit must be -1 or greater, got %d", n)
		}
		e.defaultLimit = n
		return nil
	}
}

// WithMaxLimit caps the root limit of every query. Zero or -1 means no cap.
func WithMaxLimit(n int) Option {
	return func(e *Engine) error {
		e.maxLimit = max(n, 0)
		return nil
	}
}

// WithBatchSize bounds the parent keys bound into one nested statement.
func WithBatchSize(n int) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("batch size must be positive, got %d", n)
		}
		e.batchSize = n
		return nil
	}
}

// New creates an engine. The access service may be nil when every query
// runs under a decision override.
func New(catalog *schema.Catalog, svc *access.Service, opts ...Option) (*Engine, error) {
	if catalog == nil {
		return nil, errors.New("veil: catalog is required")
	}
	e := &Engine{
		catalog:      catalog,
		access:       svc,
		dialect:      sqlgen.Postgres{},
		defaultLimit: DefaultLimit,
		batchSize:    DefaultBatchSize,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("veil: %w", err)
		}
	}
	if e.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		e.log = l
	}
	return e, nil
}

// Plan is a compiled query: the injected field tree, the grants it was
// compiled against and the root statement.
type Plan struct {
	root   *ast.Branch
	stmt   *sqlgen.Statement
	action access.Action
	grants access.Grants
	reads  []string
}

// SQL returns the root statement.
func (p *Plan) SQL() string { return p.stmt.SQL }

// Args returns the bind arguments of the root statement.
func (p *Plan) Args() []any { return p.stmt.Args }

// Collection returns the root collection.
func (p *Plan) Collection() string { return p.stmt.Collection }

// Collections lists every collection the plan reads, junctions and
// collections reached only through filters or sorts included.
func (p *Plan) Collections() []string { return p.reads }

// Compile resolves the identity's permissions for the read action and
// compiles the root statement of q against collection.
func (e *Engine) Compile(ctx context.Context, id access.Identity, collection string, q *query.Query) (*Plan, error) {
	return e.CompileAction(ctx, id, access.ActionRead, collection, q)
}

// CompileAction is Compile for an arbitrary action. The statement is always
// a SELECT; the action selects which permission rules apply, as when rows
// are read back before an update.
func (e *Engine) CompileAction(ctx context.Context, id access.Identity, action access.Action, collection string, q *query.Query) (*Plan, error) {
	if !action.Valid() {
		return nil, errs.InvalidQuery("unknown action %q", action)
	}
	if _, ok := e.catalog.Collection(collection); !ok {
		return nil, errs.InvalidQuery("unknown collection %q", collection)
	}

	root, err := ast.Build(e.catalog, collection, q)
	if err != nil {
		return nil, err
	}

	reads := ast.Reads(e.catalog, root)
	grants, err := e.grants(ctx, id, action, root.Collection, reads)
	if err != nil {
		return nil, err
	}
	if err := ast.Inject(root, action, grants); err != nil {
		return nil, err
	}

	stmt, err := sqlgen.Compile(root, e.options(action, grants))
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"collection": collection,
		"sql":        stmt.SQL,
		"args":       len(stmt.Args),
	}).Debug("compiled query")
	return &Plan{root: root, stmt: stmt, action: action, grants: grants, reads: reads}, nil
}

// grants returns the grants for the collections a plan reads, or nil for
// an unrestricted requester.
func (e *Engine) grants(ctx context.Context, id access.Identity, action access.Action, collection string, reads []string) (access.Grants, error) {
	switch e.decisionFor(ctx) {
	case DecisionAllow:
		return nil, nil
	case DecisionDeny:
		return nil, errs.Forbidden(string(action), collection, "")
	}
	if e.access == nil {
		return nil, errors.New("veil: no access service configured")
	}

	res, err := e.access.Resolve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve policies: %w", err)
	}
	if res.Admin {
		return nil, nil
	}
	grants, err := e.access.Grants(ctx, res, action, reads)
	if err != nil {
		return nil, fmt.Errorf("fetch permissions: %w", err)
	}
	return grants, nil
}

func (e *Engine) decisionFor(ctx context.Context) Decision {
	if e.useContextDecision {
		if d := GetDecisionContext(ctx); d != DecisionUnset {
			return d
		}
	}
	return e.decision
}

func (e *Engine) options(action access.Action, grants access.Grants) sqlgen.Options {
	return sqlgen.Options{
		Catalog:      e.catalog,
		Dialect:      e.dialect,
		Action:       action,
		Grants:       grants,
		DefaultLimit: e.defaultLimit,
		MaxLimit:     e.maxLimit,
	}
}

// Execute runs a compiled plan and assembles the nested result.
func (e *Engine) Execute(ctx context.Context, db Querier, plan *Plan) (*Result, error) {
	ex := executor.New(db, executor.Config{
		Catalog:      e.catalog,
		Dialect:      e.dialect,
		Action:       plan.action,
		Grants:       plan.grants,
		DefaultLimit: e.defaultLimit,
		MaxLimit:     e.maxLimit,
		BatchSize:    e.batchSize,
		Logger:       e.log,
	})
	return ex.Execute(ctx, plan.root, plan.stmt)
}

// Query compiles and executes a read query.
func (e *Engine) Query(ctx context.Context, db Querier, id access.Identity, collection string, q *query.Query) (*Result, error) {
	plan, err := e.Compile(ctx, id, collection, q)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, db, plan)
}
