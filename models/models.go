package models

import (
	"strings"
	"time"
)

// PlaceholderDisplayName is shown for anonymous posts and authors without a usable profile name
const PlaceholderDisplayName = "Someone"

// Post model with the columns of the voice_posts table
type Post struct {
	Id         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Transcript string    `json:"transcript"`
	Summary    *string   `json:"summary,omitempty"`
	LikeCount  int64     `json:"like_count"`
	UserId     *string   `json:"user_id"`
	AudioPath  string    `json:"audio_path"`
}

// Reply is a voice reply attached to a post
type Reply struct {
	Id         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	PostId     string    `json:"post_id"`
	Transcript string    `json:"transcript"`
	UserId     *string   `json:"user_id"`
	AudioPath  string    `json:"audio_path"`
}

// Profile is the public projection of a user
type Profile struct {
	Id          string  `json:"id"`
	DisplayName *string `json:"display_name"`
}

// Name returns the display name, falling back to the placeholder when absent or blank.
func (p *Profile) Name() string {
	if p == nil || p.DisplayName == nil || strings.TrimSpace(*p.DisplayName) == "" {
		return PlaceholderDisplayName
	}
	return *p.DisplayName
}

type FollowEdge struct {
	FollowerId string `json:"follower_id"`
	FollowedId string `json:"followed_id"`
}

// FeedItem is a post enriched with its author name and playback URL.
// AuthorName is always set; AudioUrl is nil when the storage path did not resolve.
type FeedItem struct {
	Id         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Transcript string    `json:"transcript"`
	Summary    *string   `json:"summary,omitempty"`
	LikeCount  int64     `json:"like_count"`
	AudioUrl   *string   `json:"audio_url"`
	UserId     *string   `json:"user_id"`
	AuthorName string    `json:"author_name"`
}

// ReplyItem is a reply enriched with its playback URL
type ReplyItem struct {
	Id         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Transcript string    `json:"transcript"`
	AudioUrl   *string   `json:"audio_url"`
}

// ViewerScope is the result of resolving which authors a request is restricted to
type ViewerScope struct {
	ViewerId    string
	FollowedIds []string
	// UsingFollowScope is true only when a viewer was given and follows at least one profile
	UsingFollowScope bool
	// NoMatches is set when a strict following scope resolved to an empty follow-set
	NoMatches bool
}

// CreatePostEvent fired when a new post is published
type CreatePostEvent struct {
	Post FeedItem
}
