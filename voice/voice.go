// Package voice publishes voice posts and replies: transcription, moderation,
// summary, audio upload and the stored record.
package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"voxfeed/models"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// AudioContentType is the encoding of uploaded voice recordings
const AudioContentType = "audio/webm"

const summaryInstructions = "You summarize short social media voice posts in one concise sentence (max ~30 words), neutral and readable."

var (
	ErrEmptyAudio          = errors.New("no audio in request")
	ErrMissingPost         = errors.New("missing post id")
	ErrContentFlagged      = errors.New("content violates guidelines")
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrModerationFailed    = errors.New("moderation failed")
	ErrUploadFailed        = errors.New("audio upload failed")
	ErrSaveFailed          = errors.New("saving voice record failed")
)

var published = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "voxfeed_voice_published_total",
	Help: "Voice submissions by kind and outcome",
}, []string{"kind", "outcome"})

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

type Moderator interface {
	Moderate(ctx context.Context, text string) (bool, error)
}

type TextGenerator interface {
	GenerateText(ctx context.Context, instructions string, prompt string, maxOutputTokens int) (string, error)
}

type AudioStore interface {
	Upload(ctx context.Context, path string, contentType string, data []byte) error
}

// Store is the write side of the persistence layer
type Store interface {
	CreatePost(ctx context.Context, post models.Post) (models.Post, error)
	CreateReply(ctx context.Context, reply models.Reply) (models.Reply, error)
}

type Config struct {
	SummaryMaxTokens int

	// Runes of transcript kept as the summary when summarizing fails
	SummaryFallbackChars int
}

type Publisher struct {
	store       Store
	audio       AudioStore
	transcriber Transcriber
	moderator   Moderator
	text        TextGenerator
	cfg         Config

	// OnPost is called with every stored post
	OnPost func(models.Post)
}

func NewPublisher(store Store, audio AudioStore, transcriber Transcriber, moderator Moderator, text TextGenerator, cfg Config) *Publisher {
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = 80
	}
	if cfg.SummaryFallbackChars <= 0 {
		cfg.SummaryFallbackChars = 140
	}
	return &Publisher{
		store:       store,
		audio:       audio,
		transcriber: transcriber,
		moderator:   moderator,
		text:        text,
		cfg:         cfg,
	}
}

func PostAudioPath(id string) string {
	return fmt.Sprintf("posts/%s.webm", id)
}

func ReplyAudioPath(postId string, id string) string {
	return fmt.Sprintf("replies/%s/%s.webm", postId, id)
}

// Transcribe returns the text spoken in a recording
func (p *Publisher) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	text, err := p.transcriber.Transcribe(ctx, audio, "audio.webm")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscriptionFailed, err)
	}
	return text, nil
}

// screen transcribes the recording and rejects it when moderation flags the transcript
func (p *Publisher) screen(ctx context.Context, kind string, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}

	transcript, err := p.transcriber.Transcribe(ctx, audio, filename)
	if err != nil {
		published.WithLabelValues(kind, "error").Inc()
		return "", fmt.Errorf("%w: %w", ErrTranscriptionFailed, err)
	}

	flagged, err := p.moderator.Moderate(ctx, transcript)
	if err != nil {
		published.WithLabelValues(kind, "error").Inc()
		return "", fmt.Errorf("%w: %w", ErrModerationFailed, err)
	}
	if flagged {
		published.WithLabelValues(kind, "flagged").Inc()
		log.WithFields(log.Fields{
			"kind": kind,
		}).Warn("Voice submission blocked by moderation")
		return "", ErrContentFlagged
	}

	return transcript, nil
}

func (p *Publisher) upload(ctx context.Context, kind string, path string, audio []byte) error {
	if err := p.audio.Upload(ctx, path, AudioContentType, audio); err != nil {
		published.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	return nil
}

// Summarize returns a one sentence preview of the transcript, or its first
// characters when the generator fails or returns nothing
func (p *Publisher) Summarize(ctx context.Context, transcript string) string {
	prompt := fmt.Sprintf("Transcript of a user's voice post:\n\n%s\n\nSummarize this as one short sentence suitable as a feed preview.", transcript)

	summary, err := p.text.GenerateText(ctx, summaryInstructions, prompt, p.cfg.SummaryMaxTokens)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("Summary generation failed, truncating transcript")
	}
	summary = strings.TrimSpace(summary)
	if err != nil || summary == "" {
		return lo.Substring(transcript, 0, uint(p.cfg.SummaryFallbackChars))
	}
	return summary
}

// PublishPost turns a recording into a stored post. userId may be empty for anonymous posts.
func (p *Publisher) PublishPost(ctx context.Context, userId string, audio []byte) (models.Post, error) {
	transcript, err := p.screen(ctx, "post", audio, "audio.webm")
	if err != nil {
		return models.Post{}, err
	}

	summary := p.Summarize(ctx, transcript)

	id := uuid.New().String()
	path := PostAudioPath(id)
	if err := p.upload(ctx, "post", path, audio); err != nil {
		return models.Post{}, err
	}

	post, err := p.store.CreatePost(ctx, models.Post{
		Id:         id,
		CreatedAt:  time.Now().UTC(),
		Transcript: transcript,
		Summary:    lo.EmptyableToPtr(summary),
		UserId:     lo.EmptyableToPtr(strings.TrimSpace(userId)),
		AudioPath:  path,
	})
	if err != nil {
		published.WithLabelValues("post", "error").Inc()
		log.WithFields(log.Fields{
			"id":    id,
			"error": err,
		}).Error("Error saving post")
		return models.Post{}, fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}

	published.WithLabelValues("post", "ok").Inc()
	if p.OnPost != nil {
		p.OnPost(post)
	}

	return post, nil
}

// PublishReply turns a recording into a stored reply to postId
func (p *Publisher) PublishReply(ctx context.Context, postId string, userId string, audio []byte) (models.Reply, error) {
	postId = strings.TrimSpace(postId)
	if postId == "" {
		return models.Reply{}, ErrMissingPost
	}

	transcript, err := p.screen(ctx, "reply", audio, "reply.webm")
	if err != nil {
		return models.Reply{}, err
	}

	id := uuid.New().String()
	path := ReplyAudioPath(postId, id)
	if err := p.upload(ctx, "reply", path, audio); err != nil {
		return models.Reply{}, err
	}

	reply, err := p.store.CreateReply(ctx, models.Reply{
		Id:         id,
		CreatedAt:  time.Now().UTC(),
		PostId:     postId,
		Transcript: transcript,
		UserId:     lo.EmptyableToPtr(strings.TrimSpace(userId)),
		AudioPath:  path,
	})
	if err != nil {
		published.WithLabelValues("reply", "error").Inc()
		log.WithFields(log.Fields{
			"id":      id,
			"post_id": postId,
			"error":   err,
		}).Error("Error saving reply")
		return models.Reply{}, fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}

	published.WithLabelValues("reply", "ok").Inc()
	return reply, nil
}
