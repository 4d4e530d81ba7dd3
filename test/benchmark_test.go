package test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pthm/veil/pkg/access"
	"github.com/pthm/veil/pkg/query"
	"github.com/pthm/veil/test/testutil"
)

// BenchmarkQuery_NestedComments measures a page of articles with their
// authors and comments loaded through batched nested statements.
func BenchmarkQuery_NestedComments(b *testing.B) {
	if testing.Short() {
		b.Skip("skipping benchmark in short mode")
	}

	for _, articles := range []int{100, 1000} {
		b.Run(fmt.Sprintf("articles=%d", articles), func(b *testing.B) {
			db := testutil.DB(b)
			ctx := context.Background()

			fixtures := testutil.NewBulkFixtures(ctx, db)
			users, err := fixtures.CreateUsers(10)
			require.NoError(b, err)
			ids, err := fixtures.CreateArticles(users, articles)
			require.NoError(b, err)
			require.NoError(b, fixtures.CreateComments(ids, 5))

			e, err := veilEngine()
			require.NoError(b, err)
			q := &query.Query{
				Fields: query.List{"id", "title", "author.name", "comments.body"},
				Limit:  query.WithLimit(articles),
				Sort:   query.List{"id"},
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				res, err := e.Query(ctx, db, access.Identity{}, "articles", q)
				if err != nil {
					b.Fatal(err)
				}
				if len(res.Rows) != articles {
					b.Fatalf("got %d rows, want %d", len(res.Rows), articles)
				}
			}
		})
	}
}
