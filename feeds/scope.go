package feeds

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voxfeed/models"
)

var (
	// ErrMissingViewer is returned when a following scope is requested without a viewer
	ErrMissingViewer = errors.New("missing viewer id")
)

// Policy decides how a viewer's follow-set narrows a post window
type Policy int

const (
	// PolicyGlobal ignores the viewer entirely
	PolicyGlobal Policy = iota
	// PolicyFollowing requires a viewer and never widens: an empty follow-set matches nothing
	PolicyFollowing
	// PolicyFollowingOrGlobal narrows to followed authors when there are any, otherwise widens to global
	PolicyFollowingOrGlobal
)

func (p Policy) String() string {
	switch p {
	case PolicyGlobal:
		return "global"
	case PolicyFollowing:
		return "following"
	case PolicyFollowingOrGlobal:
		return "following-or-global"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// FollowLister resolves the follow-set of a viewer
type FollowLister interface {
	FollowedIds(ctx context.Context, followerId string) ([]string, error)
}

// ResolveScope is the single place where a viewer id and a policy become a ViewerScope.
// Lookup failures are returned wrapped; callers translate them to their own unavailable error.
func ResolveScope(ctx context.Context, follows FollowLister, viewerId string, policy Policy) (models.ViewerScope, error) {
	viewerId = strings.TrimSpace(viewerId)
	scope := models.ViewerScope{ViewerId: viewerId}

	switch policy {
	case PolicyGlobal:
		return scope, nil
	case PolicyFollowing:
		if viewerId == "" {
			return scope, ErrMissingViewer
		}
	case PolicyFollowingOrGlobal:
		if viewerId == "" {
			return scope, nil
		}
	default:
		return scope, fmt.Errorf("unknown scope policy %s", policy)
	}

	followedIds, err := follows.FollowedIds(ctx, viewerId)
	if err != nil {
		return scope, fmt.Errorf("follow lookup for %s: %w", viewerId, err)
	}

	scope.FollowedIds = followedIds
	if len(followedIds) > 0 {
		scope.UsingFollowScope = true
	} else if policy == PolicyFollowing {
		scope.NoMatches = true
	}

	return scope, nil
}

// ScopedQuery builds the recent post window for a resolved scope
func ScopedQuery(scope models.ViewerScope, limit int) *RecentPostsQueryBuilder {
	b := NewRecentPostsQueryBuilder(limit)
	if scope.UsingFollowScope {
		b.AddFilter(&AuthorFilter{AuthorIds: scope.FollowedIds})
	}
	return b
}
