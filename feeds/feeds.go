// Package feeds assembles the voice post feed: scope resolution, the recent post
// window query and the enrichment of posts with author names and playback URLs.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voxfeed/models"
	"voxfeed/query"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// FeedLimit caps every feed and digest window
const FeedLimit = 20

var (
	// ErrFeedUnavailable is the single opaque failure of feed assembly
	ErrFeedUnavailable = errors.New("feed unavailable")
	ErrUnknownScope    = errors.New("unknown feed scope")
)

// Scope selects which authors a feed request covers
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopeFollowing Scope = "following"
)

// ParseScope parses a scope name. The empty string means global.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeGlobal:
		return ScopeGlobal, nil
	case ScopeFollowing:
		return ScopeFollowing, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownScope, s)
	}
}

func (s Scope) policy() Policy {
	if s == ScopeFollowing {
		return PolicyFollowing
	}
	return PolicyGlobal
}

// PostReader is the read side of the persistence layer needed to build feeds
type PostReader interface {
	FollowLister
	RecentPosts(ctx context.Context, b query.Builder) ([]models.Post, error)
	ProfilesByIds(ctx context.Context, ids []string) (map[string]models.Profile, error)
}

// URLResolver maps a storage path to a public playback URL.
// An empty result means the path could not be resolved.
type URLResolver interface {
	PublicURL(path string) string
}

type Assembler struct {
	store PostReader
	urls  URLResolver
}

func NewAssembler(store PostReader, urls URLResolver) *Assembler {
	return &Assembler{
		store: store,
		urls:  urls,
	}
}

// AssembleFeed returns at most FeedLimit posts, newest first, enriched with author names and URLs
func (a *Assembler) AssembleFeed(ctx context.Context, viewerId string, scope Scope) ([]models.FeedItem, error) {
	log.WithFields(log.Fields{
		"viewer": viewerId,
		"scope":  scope,
	}).Info("Assembling feed")

	resolved, err := ResolveScope(ctx, a.store, viewerId, scope.policy())
	if errors.Is(err, ErrMissingViewer) {
		return nil, err
	}
	if err != nil {
		log.WithFields(log.Fields{
			"viewer": viewerId,
			"error":  err,
		}).Error("Error resolving feed scope")
		return nil, fmt.Errorf("%w: %w", ErrFeedUnavailable, err)
	}

	if resolved.NoMatches {
		return []models.FeedItem{}, nil
	}

	posts, err := a.store.RecentPosts(ctx, ScopedQuery(resolved, FeedLimit))
	if err != nil {
		log.WithFields(log.Fields{
			"scope": scope,
			"error": err,
		}).Error("Error getting feed posts")
		return nil, fmt.Errorf("%w: %w", ErrFeedUnavailable, err)
	}

	profiles, err := a.store.ProfilesByIds(ctx, AuthorIds(posts))
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Error("Error getting feed profiles")
		return nil, fmt.Errorf("%w: %w", ErrFeedUnavailable, err)
	}

	items := make([]models.FeedItem, 0, len(posts))
	for _, post := range posts {
		var profile *models.Profile
		if post.UserId != nil {
			if p, ok := profiles[*post.UserId]; ok {
				profile = &p
			}
		}
		items = append(items, ToFeedItem(post, profile, a.urls))
	}

	return items, nil
}

// AuthorIds returns the distinct non-null author ids of the posts, in first-seen order
func AuthorIds(posts []models.Post) []string {
	ids := lo.FilterMap(posts, func(p models.Post, _ int) (string, bool) {
		if p.UserId == nil || *p.UserId == "" {
			return "", false
		}
		return *p.UserId, true
	})
	return lo.Uniq(ids)
}

// ToFeedItem projects a post. A nil profile yields the placeholder author name.
func ToFeedItem(post models.Post, profile *models.Profile, urls URLResolver) models.FeedItem {
	authorName := models.PlaceholderDisplayName
	if post.UserId != nil {
		authorName = profile.Name()
	}

	return models.FeedItem{
		Id:         post.Id,
		CreatedAt:  post.CreatedAt,
		Transcript: post.Transcript,
		Summary:    post.Summary,
		LikeCount:  post.LikeCount,
		AudioUrl:   ResolveURL(urls, post.AudioPath),
		UserId:     post.UserId,
		AuthorName: authorName,
	}
}

// ResolveURL maps a storage path to a public URL, nil when it does not resolve
func ResolveURL(urls URLResolver, path string) *string {
	if urls == nil || path == "" {
		return nil
	}
	url := urls.PublicURL(path)
	if url == "" {
		return nil
	}
	return &url
}
