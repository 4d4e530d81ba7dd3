package testutil

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

const blogRows = `
INSERT INTO users (id, name, email, status) VALUES
  (1, 'Ada', 'ada@example.com', 'active'),
  (2, 'Bob', 'bob@example.com', 'inactive');
INSERT INTO articles (id, title, body, status, rating, author, date_created) VALUES
  (1, 'Hello', 'first post', 'published', 5, 1, '2024-01-01T00:00:00Z'),
  (2, 'Draft', 'not yet', 'draft', 3, 1, '2024-01-02T00:00:00Z'),
  (3, 'Other', 'by bob', 'published', 4, 2, '2024-01-03T00:00:00Z'),
  (4, 'Orphan', 'no author', 'published', 1, NULL, '2024-01-04T00:00:00Z');
INSERT INTO comments (id, body, article, author) VALUES (1, 'c1', 1, 2), (2, 'c2', 1, 1), (3, 'c3', 3, 1);
INSERT INTO tags (id, name) VALUES (1, 'go'), (2, 'sql');
INSERT INTO articles_tags (id, articles_id, tags_id) VALUES (1, 1, 1), (2, 1, 2), (3, 3, 2);
INSERT INTO pages (slug, title) VALUES ('home', 'Home');
INSERT INTO activity (id, action, item, collection) VALUES
  (1, 'create', '1', 'articles'),
  (2, 'update', 'home', 'pages'),
  (3, 'delete', '9', 'articles');
INSERT INTO settings (id, site_name) VALUES (1, 'Veil');
SELECT setval('users_id_seq', 2);
SELECT setval('articles_id_seq', 4);
SELECT setval('comments_id_seq', 3);
`

// SeedBlog inserts the small blog data set used by the integration tests:
// two users, four articles (one without author), three comments, two tags,
// one page, three activity rows and the settings singleton.
func SeedBlog(tb testing.TB, db *sql.DB) {
	tb.Helper()
	_, err := db.ExecContext(context.Background(), blogRows)
	require.NoError(tb, err, "failed to seed blog rows")
}
