package feeds

import (
	"voxfeed/query"

	"github.com/huandu/go-sqlbuilder"
)

// PostColumns are selected, in scan order, by every post query
var PostColumns = []string{
	"voice_posts.id",
	"voice_posts.created_at",
	"voice_posts.transcript",
	"voice_posts.summary",
	"voice_posts.like_count",
	"voice_posts.user_id",
	"voice_posts.audio_path",
}

// RecentPostsQueryBuilder builds the newest-first post window with filters
type RecentPostsQueryBuilder struct {
	limit   int
	filters []query.FilterStrategy
}

func NewRecentPostsQueryBuilder(limit int) *RecentPostsQueryBuilder {
	return &RecentPostsQueryBuilder{
		limit:   limit,
		filters: make([]query.FilterStrategy, 0),
	}
}

func (b *RecentPostsQueryBuilder) AddFilter(filter query.FilterStrategy) *RecentPostsQueryBuilder {
	b.filters = append(b.filters, filter)
	return b
}

func (b *RecentPostsQueryBuilder) Limit() int {
	return b.limit
}

func (b *RecentPostsQueryBuilder) Filters() []query.FilterStrategy {
	return b.filters
}

func (b *RecentPostsQueryBuilder) Build(flavor sqlbuilder.Flavor) (string, []interface{}) {
	sb := flavor.NewSelectBuilder()
	sb.Select(PostColumns...).From("voice_posts")

	for _, filter := range b.filters {
		filter.ApplyFilter(sb)
	}

	// id breaks ties so the order is stable for posts created in the same instant
	sb.OrderBy("voice_posts.created_at DESC", "voice_posts.id DESC")
	sb.Limit(b.limit)

	return sb.Build()
}

var _ query.Builder = (*RecentPostsQueryBuilder)(nil)
