// Package ai wraps the OpenAI APIs used for text generation, speech synthesis,
// transcription and moderation.
package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"
)

var ErrEmptyResponse = errors.New("empty response from model")

var (
	callErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxfeed_openai_errors_total",
		Help: "Failed OpenAI calls, by operation",
	}, []string{"operation"})

	callLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voxfeed_openai_request_duration_seconds",
		Help:    "OpenAI call latency, by operation",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

type Config struct {
	APIKey string

	// Empty means the public OpenAI endpoint
	BaseURL string

	TextModel          string
	SpeechModel        string
	Voice              string
	TranscriptionModel string
	ModerationModel    string
}

type Client struct {
	client *openai.Client
	cfg    Config
}

func NewClient(cfg Config) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &Client{
		client: openai.NewClientWithConfig(clientConfig),
		cfg:    cfg,
	}
}

func observe(operation string, start time.Time, err error) {
	callLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		callErrors.WithLabelValues(operation).Inc()
		log.WithFields(log.Fields{
			"operation": operation,
			"error":     err,
		}).Warn("OpenAI call failed")
	}
}

// GenerateText runs a single chat completion with a system instruction and returns the trimmed reply
func (c *Client) GenerateText(ctx context.Context, instructions string, prompt string, maxOutputTokens int) (text string, err error) {
	defer func(start time.Time) { observe("text", start, err) }(time.Now())

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.TextModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instructions},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxCompletionTokens: maxOutputTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Synthesize converts text to mp3 encoded speech
func (c *Client) Synthesize(ctx context.Context, text string) (audio []byte, err error) {
	defer func(start time.Time) { observe("speech", start, err) }(time.Now())

	resp, err := c.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.cfg.SpeechModel),
		Input:          text,
		Voice:          openai.SpeechVoice(c.cfg.Voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("create speech: %w", err)
	}
	defer resp.Close()

	audio, err = io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read speech: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrEmptyResponse
	}

	return audio, nil
}

// Transcribe returns the text spoken in the audio. The filename extension tells the API the encoding.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (text string, err error) {
	defer func(start time.Time) { observe("transcription", start, err) }(time.Now())

	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.cfg.TranscriptionModel,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return "", fmt.Errorf("create transcription: %w", err)
	}

	return strings.TrimSpace(resp.Text), nil
}

// Moderate reports whether the text is flagged by the moderation model
func (c *Client) Moderate(ctx context.Context, text string) (flagged bool, err error) {
	defer func(start time.Time) { observe("moderation", start, err) }(time.Now())

	resp, err := c.client.Moderations(ctx, openai.ModerationRequest{
		Input: text,
		Model: c.cfg.ModerationModel,
	})
	if err != nil {
		return false, fmt.Errorf("moderation: %w", err)
	}

	for _, result := range resp.Results {
		if result.Flagged {
			return true, nil
		}
	}
	return false, nil
}
