package feeds

import (
	"voxfeed/query"

	"github.com/huandu/go-sqlbuilder"
	"github.com/samber/lo"
)

// AuthorFilter restricts posts to the given authors
type AuthorFilter struct {
	AuthorIds []string
}

func (f *AuthorFilter) ApplyFilter(sb *sqlbuilder.SelectBuilder) {
	if len(f.AuthorIds) == 0 {
		// An empty IN list matches nothing
		sb.Where("1 = 0")
		return
	}
	sb.Where(sb.In("voice_posts.user_id", lo.ToAnySlice(f.AuthorIds)...))
}

var _ query.FilterStrategy = (*AuthorFilter)(nil)
