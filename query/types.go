package query

import (
	"github.com/huandu/go-sqlbuilder"
)

// FilterStrategy adds WHERE conditions to a post query
type FilterStrategy interface {
	// ApplyFilter adds filter conditions to the query builder
	ApplyFilter(sb *sqlbuilder.SelectBuilder)
}

// Builder builds SQL queries for the recent post window
type Builder interface {
	Build(flavor sqlbuilder.Flavor) (string, []interface{})
}
