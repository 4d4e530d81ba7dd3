package access

import (
	"context"
	"database/sql"
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
	"sigs.k8s.io/yaml"

	"github.com/pthm/veil/pkg/events"
	"github.com/pthm/veil/pkg/filter"
	"github.com/pthm/veil/pkg/migrator"
)

func newSQLStore(t *testing.T, bus events.Bus) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, migrator.Migrate(context.Background(), db, migrator.WithPlaceholder(sq.Question)))

	var fx Fixture
	require.NoError(t, yaml.Unmarshal([]byte(fixtureYAML), &fx))

	store := NewSQLStore(db, WithPlaceholder(sq.Question), WithBus(bus))
	require.NoError(t, store.Import(context.Background(), &fx))
	return store
}

func TestSQLStoreImportPublishes(t *testing.T) {
	hub := events.NewHub()
	var topics []string
	hub.Subscribe(func(evt events.Event) { topics = append(topics, evt.Topic) })

	newSQLStore(t, hub)
	assert.Equal(t, []string{events.TopicAccessChanged}, topics)
}

func TestSQLStoreRoleChain(t *testing.T) {
	store := newSQLStore(t, nil)
	ctx := context.Background()

	chain, err := store.RoleChain(ctx, "chief")
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "editor", "chief"}, chain)

	chain, err = store.RoleChain(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, chain)
}

func TestSQLStoreAttachments(t *testing.T) {
	store := newSQLStore(t, nil)
	ctx := context.Background()

	public, err := store.Attachments(ctx, nil, "")
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Equal(t, "public", public[0].Policy.ID)

	scoped, err := store.Attachments(ctx, []string{"base", "editor"}, "u2")
	require.NoError(t, err)
	ids := make([]string, len(scoped))
	for i, ap := range scoped {
		ids[i] = ap.Policy.ID
	}
	assert.ElementsMatch(t, []string{"base-read", "editor-read", "editor-extra", "office", "root"}, ids)

	for _, ap := range scoped {
		switch ap.Policy.ID {
		case "office":
			assert.Equal(t, []string{"10.0.0.0/8"}, ap.Policy.IPAccess)
		case "root":
			assert.True(t, ap.Policy.AdminAccess)
			assert.Equal(t, "u2", ap.Attachment.User)
		}
	}
}

func TestSQLStorePermissions(t *testing.T) {
	store := newSQLStore(t, nil)

	perms, err := store.Permissions(context.Background(), []string{"base-read", "editor-read"}, ActionRead)
	require.NoError(t, err)
	require.Len(t, perms, 2)

	byPolicy := map[string]Permission{}
	for _, p := range perms {
		byPolicy[p.Policy] = p
	}
	editor := byPolicy["editor-read"]
	assert.Equal(t, []string{"id", "title", "body"}, editor.Fields)
	assert.True(t, filter.Equal(filter.Filter{"author": map[string]any{"_eq": "$CURRENT_USER"}}, editor.Filter))
	require.NotNil(t, editor.Limit)
	assert.Equal(t, 50, *editor.Limit)
	assert.Nil(t, byPolicy["base-read"].Limit)
}

func TestServiceOverSQLStore(t *testing.T) {
	svc := NewService(newSQLStore(t, nil))
	ctx := context.Background()

	res, err := svc.Resolve(ctx, Identity{User: "u1", Role: "editor", IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"public", "base-read", "editor-read", "editor-extra", "office", "personal"}, res.PolicyIDs())

	grants, err := svc.Grants(ctx, res, ActionRead, []string{"articles"})
	require.NoError(t, err)
	assert.Len(t, grants["articles"].Cases.Cases, 2)
}
