// Package digest composes the spoken digest of recent voice posts.
package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voxfeed/feeds"
	"voxfeed/models"
	"voxfeed/query"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// AudioContentType is the encoding of synthesized digest audio
const AudioContentType = "audio/mpeg"

// DefaultMaxOutputTokens bounds the length of a generated digest
const DefaultMaxOutputTokens = 320

var (
	ErrDigestUnavailable = errors.New("digest unavailable")
	ErrAudioUnavailable  = errors.New("digest audio unavailable")
)

var (
	digestsComposed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxfeed_digests_composed_total",
		Help: "Digests composed, by scope",
	}, []string{"scope"})

	digestFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxfeed_digest_fallbacks_total",
		Help: "Digests that used the fixed fallback text, by reason",
	}, []string{"reason"})
)

// PostReader is the read side of the persistence layer needed for digests
type PostReader interface {
	feeds.FollowLister
	RecentPosts(ctx context.Context, b query.Builder) ([]models.Post, error)
}

// TextGenerator produces text from a system instruction and a prompt
type TextGenerator interface {
	GenerateText(ctx context.Context, instructions string, prompt string, maxOutputTokens int) (string, error)
}

// SpeechSynthesizer turns text into encoded audio
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type Composer struct {
	store           PostReader
	text            TextGenerator
	speech          SpeechSynthesizer
	maxOutputTokens int
}

func NewComposer(store PostReader, text TextGenerator, speech SpeechSynthesizer, maxOutputTokens int) *Composer {
	if maxOutputTokens <= 0 {
		maxOutputTokens = DefaultMaxOutputTokens
	}
	return &Composer{
		store:           store,
		text:            text,
		speech:          speech,
		maxOutputTokens: maxOutputTokens,
	}
}

// ComposeDigest summarizes the recent post window for the viewer. The result is never empty.
func (c *Composer) ComposeDigest(ctx context.Context, viewerId string) (string, error) {
	scope, err := feeds.ResolveScope(ctx, c.store, viewerId, feeds.PolicyFollowingOrGlobal)
	if err != nil {
		log.WithFields(log.Fields{
			"viewer": viewerId,
			"error":  err,
		}).Error("Error resolving digest scope")
		return "", fmt.Errorf("%w: %w", ErrDigestUnavailable, err)
	}

	posts, err := c.store.RecentPosts(ctx, feeds.ScopedQuery(scope, feeds.FeedLimit))
	if err != nil {
		log.WithFields(log.Fields{
			"viewer": viewerId,
			"error":  err,
		}).Error("Error getting digest posts")
		return "", fmt.Errorf("%w: %w", ErrDigestUnavailable, err)
	}

	scopeLabel := "global"
	if scope.UsingFollowScope {
		scopeLabel = "following"
	}
	digestsComposed.WithLabelValues(scopeLabel).Inc()

	log.WithFields(log.Fields{
		"viewer": viewerId,
		"scope":  scopeLabel,
		"posts":  len(posts),
	}).Info("Composing digest")

	prompt := BuildPrompt(posts, scope.UsingFollowScope)
	text, err := c.text.GenerateText(ctx, Instructions, prompt, c.maxOutputTokens)
	if err != nil {
		log.WithFields(log.Fields{
			"viewer": viewerId,
			"error":  err,
		}).Warn("Digest generation failed, using fallback")
		digestFallbacks.WithLabelValues("error").Inc()
		return Fallback(scope.UsingFollowScope), nil
	}

	text = strings.TrimSpace(text)
	if text == "" {
		digestFallbacks.WithLabelValues("empty").Inc()
		return Fallback(scope.UsingFollowScope), nil
	}

	return text, nil
}

// SynthesizeDigestAudio speaks the viewer's digest. When composing fails the global
// fallback sentence is spoken instead; synthesis failures are returned.
func (c *Composer) SynthesizeDigestAudio(ctx context.Context, viewerId string) ([]byte, error) {
	text, err := c.ComposeDigest(ctx, viewerId)
	if err != nil {
		log.WithFields(log.Fields{
			"viewer": viewerId,
			"error":  err,
		}).Warn("Digest text unavailable, speaking default sentence")
		text = GlobalFallback
	}

	audio, err := c.speech.Synthesize(ctx, text)
	if err != nil {
		log.WithFields(log.Fields{
			"viewer": viewerId,
			"error":  err,
		}).Error("Error synthesizing digest audio")
		return nil, fmt.Errorf("%w: %w", ErrAudioUnavailable, err)
	}

	return audio, nil
}
