package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"voxfeed/db"
	"voxfeed/digest"
	"voxfeed/feeds"
	"voxfeed/models"
	"voxfeed/voice"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "voxfeed_http_request_duration_seconds",
	Help:    "HTTP request latency, by method, route and status",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route", "status"})

const (
	guidelinesPost  = "Your voice post violates our content guidelines and was not saved."
	guidelinesReply = "Your reply violates our content guidelines and was not saved."
)

type FeedAssembler interface {
	AssembleFeed(ctx context.Context, viewerId string, scope feeds.Scope) ([]models.FeedItem, error)
}

type DigestComposer interface {
	ComposeDigest(ctx context.Context, viewerId string) (string, error)
	SynthesizeDigestAudio(ctx context.Context, viewerId string) ([]byte, error)
}

type VoicePublisher interface {
	PublishPost(ctx context.Context, userId string, audio []byte) (models.Post, error)
	PublishReply(ctx context.Context, postId string, userId string, audio []byte) (models.Reply, error)
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Store is the persistence used directly by the handlers
type Store interface {
	Ping(ctx context.Context) error
	IncrementLikes(ctx context.Context, postId string) (models.Post, error)
	FollowedIds(ctx context.Context, followerId string) ([]string, error)
	Follow(ctx context.Context, edge models.FollowEdge) error
	Unfollow(ctx context.Context, edge models.FollowEdge) error
	EnsureProfile(ctx context.Context, profile models.Profile) (bool, error)
	RepliesForPost(ctx context.Context, postId string) ([]models.Reply, error)
}

type ServerConfig struct {
	Feeds     FeedAssembler
	Digest    DigestComposer
	Publisher VoicePublisher
	Store     Store

	// Resolves storage paths of replies to playback URLs
	URLs feeds.URLResolver

	// Broadcast channels to pass posts to SSE clients
	Broadcaster *Broadcaster

	// Comma separated CORS origins
	AllowOrigins string
}

type likeRequest struct {
	PostId string `json:"postId"`
}

type followRequest struct {
	FollowerId string `json:"followerId"`
	FollowedId string `json:"followedId"`
}

type profileRequest struct {
	UserId string `json:"userId"`
	Email  string `json:"email"`
}

func fail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": message})
}

// BaseDisplayName derives the initial display name of a new profile
func BaseDisplayName(email string) string {
	if local, _, ok := strings.Cut(email, "@"); ok {
		return local
	}
	return "Voice user"
}

// voiceError maps a publishing failure to a response
func voiceError(c *fiber.Ctx, err error, flaggedMessage string, fallback string) error {
	switch {
	case errors.Is(err, voice.ErrContentFlagged):
		return fail(c, fiber.StatusBadRequest, flaggedMessage)
	case errors.Is(err, voice.ErrEmptyAudio), errors.Is(err, voice.ErrMissingPost):
		return fail(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, voice.ErrUploadFailed):
		return fail(c, fiber.StatusInternalServerError, "Failed to upload audio")
	default:
		log.WithFields(log.Fields{
			"path":  c.Path(),
			"error": err,
		}).Error("Error publishing voice recording")
		return fail(c, fiber.StatusInternalServerError, fallback)
	}
}

// Returns a fiber.App instance to be used as an HTTP server for the voice feed
func Server(config *ServerConfig) *fiber.App {

	bc := config.Broadcaster

	app := fiber.New(fiber.Config{
		BodyLimit: 25 * 1024 * 1024,
	})

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		requestDuration.
			WithLabelValues(c.Method(), c.Route().Path, strconv.Itoa(status)).
			Observe(latency.Seconds())

		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"status":  status,
			"latency": latency,
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New(compress.Config{
		// Compression buffers the event stream
		Next: func(c *fiber.Ctx) bool {
			return strings.HasSuffix(c.Path(), "/sse")
		},
	}))

	allowOrigins := config.AllowOrigins
	if allowOrigins == "" {
		allowOrigins = "*"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowHeaders: "Cache-Control, Content-Type",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		if err := config.Store.Ping(c.UserContext()); err != nil {
			log.WithFields(log.Fields{
				"error": err,
			}).Error("Health check failed")
			return fail(c, fiber.StatusServiceUnavailable, "database unavailable")
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	feedHandler := func(scopeOf func(c *fiber.Ctx) string) fiber.Handler {
		return func(c *fiber.Ctx) error {
			scope, err := feeds.ParseScope(scopeOf(c))
			if err != nil {
				return fail(c, fiber.StatusBadRequest, err.Error())
			}

			posts, err := config.Feeds.AssembleFeed(c.UserContext(), c.Query("viewerId"), scope)
			if errors.Is(err, feeds.ErrMissingViewer) {
				return fail(c, fiber.StatusBadRequest, "Missing viewerId")
			}
			if err != nil {
				return fail(c, fiber.StatusInternalServerError, "Failed to load feed")
			}

			return c.JSON(fiber.Map{"posts": posts})
		}
	}

	app.Get("/api/feed", feedHandler(func(c *fiber.Ctx) string {
		return c.Query("scope")
	}))
	app.Get("/api/feed/following", feedHandler(func(*fiber.Ctx) string {
		return string(feeds.ScopeFollowing)
	}))

	app.Get("/api/digest", func(c *fiber.Ctx) error {
		text, err := config.Digest.ComposeDigest(c.UserContext(), c.Query("viewerId"))
		if err != nil {
			return fail(c, fiber.StatusInternalServerError, "Failed to generate digest")
		}
		return c.JSON(fiber.Map{"digest": text})
	})

	app.Get("/api/digest-audio", func(c *fiber.Ctx) error {
		audio, err := config.Digest.SynthesizeDigestAudio(c.UserContext(), c.Query("viewerId"))
		if err != nil {
			return fail(c, fiber.StatusInternalServerError, "Failed to generate digest audio")
		}
		c.Set(fiber.HeaderContentType, digest.AudioContentType)
		c.Set(fiber.HeaderCacheControl, "no-store")
		return c.Send(audio)
	})

	app.Post("/api/like", func(c *fiber.Ctx) error {
		var req likeRequest
		if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.PostId) == "" {
			return fail(c, fiber.StatusBadRequest, "Missing postId")
		}

		post, err := config.Store.IncrementLikes(c.UserContext(), req.PostId)
		if errors.Is(err, db.ErrPostNotFound) {
			return fail(c, fiber.StatusNotFound, "Post not found")
		}
		if err != nil {
			log.WithFields(log.Fields{
				"post_id": req.PostId,
				"error":   err,
			}).Error("Error liking post")
			return fail(c, fiber.StatusInternalServerError, "Failed to update like")
		}

		return c.JSON(fiber.Map{"post": post})
	})

	app.Get("/api/follow", func(c *fiber.Ctx) error {
		viewerId := strings.TrimSpace(c.Query("viewerId"))
		if viewerId == "" {
			return fail(c, fiber.StatusBadRequest, "Missing viewerId")
		}

		ids, err := config.Store.FollowedIds(c.UserContext(), viewerId)
		if err != nil {
			log.WithFields(log.Fields{
				"viewer": viewerId,
				"error":  err,
			}).Error("Error loading follows")
			return fail(c, fiber.StatusInternalServerError, "Failed to load follows")
		}

		return c.JSON(fiber.Map{"followingIds": lo.Ternary(ids == nil, []string{}, ids)})
	})

	parseFollow := func(c *fiber.Ctx) (models.FollowEdge, bool) {
		var req followRequest
		if err := c.BodyParser(&req); err != nil {
			return models.FollowEdge{}, false
		}
		edge := models.FollowEdge{
			FollowerId: strings.TrimSpace(req.FollowerId),
			FollowedId: strings.TrimSpace(req.FollowedId),
		}
		if edge.FollowerId == "" || edge.FollowedId == "" {
			return models.FollowEdge{}, false
		}
		return edge, true
	}

	app.Post("/api/follow", func(c *fiber.Ctx) error {
		edge, ok := parseFollow(c)
		if !ok || edge.FollowerId == edge.FollowedId {
			return fail(c, fiber.StatusBadRequest, "Invalid followerId or followedId")
		}

		if err := config.Store.Follow(c.UserContext(), edge); err != nil {
			log.WithFields(log.Fields{
				"follower": edge.FollowerId,
				"followed": edge.FollowedId,
				"error":    err,
			}).Error("Error following user")
			return fail(c, fiber.StatusInternalServerError, "Failed to follow user")
		}
		return c.JSON(fiber.Map{"ok": true})
	})

	app.Delete("/api/follow", func(c *fiber.Ctx) error {
		edge, ok := parseFollow(c)
		if !ok {
			return fail(c, fiber.StatusBadRequest, "Invalid followerId or followedId")
		}

		if err := config.Store.Unfollow(c.UserContext(), edge); err != nil {
			log.WithFields(log.Fields{
				"follower": edge.FollowerId,
				"followed": edge.FollowedId,
				"error":    err,
			}).Error("Error unfollowing user")
			return fail(c, fiber.StatusInternalServerError, "Failed to unfollow user")
		}
		return c.JSON(fiber.Map{"ok": true})
	})

	app.Post("/api/profile", func(c *fiber.Ctx) error {
		var req profileRequest
		if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.UserId) == "" {
			return fail(c, fiber.StatusBadRequest, "Missing userId")
		}

		name := BaseDisplayName(req.Email)
		_, err := config.Store.EnsureProfile(c.UserContext(), models.Profile{
			Id:          req.UserId,
			DisplayName: &name,
		})
		if err != nil {
			log.WithFields(log.Fields{
				"user_id": req.UserId,
				"error":   err,
			}).Error("Error ensuring profile")
			return fail(c, fiber.StatusInternalServerError, "Failed to ensure profile")
		}
		return c.JSON(fiber.Map{"ok": true})
	})

	app.Post("/api/post-voice", func(c *fiber.Ctx) error {
		audio := append([]byte(nil), c.Body()...)
		post, err := config.Publisher.PublishPost(c.UserContext(), c.Query("userId"), audio)
		if err != nil {
			return voiceError(c, err, guidelinesPost, "Failed to process voice post")
		}
		return c.JSON(fiber.Map{"post": post})
	})

	app.Post("/api/reply", func(c *fiber.Ctx) error {
		postId := strings.TrimSpace(c.Query("postId"))
		if postId == "" {
			return fail(c, fiber.StatusBadRequest, "Missing postId")
		}

		audio := append([]byte(nil), c.Body()...)
		reply, err := config.Publisher.PublishReply(c.UserContext(), postId, c.Query("userId"), audio)
		if err != nil {
			return voiceError(c, err, guidelinesReply, "Failed to process reply")
		}
		return c.JSON(fiber.Map{"reply": reply})
	})

	app.Get("/api/replies", func(c *fiber.Ctx) error {
		postId := strings.TrimSpace(c.Query("postId"))
		if postId == "" {
			return fail(c, fiber.StatusBadRequest, "Missing postId")
		}

		replies, err := config.Store.RepliesForPost(c.UserContext(), postId)
		if err != nil {
			log.WithFields(log.Fields{
				"post_id": postId,
				"error":   err,
			}).Error("Error loading replies")
			return fail(c, fiber.StatusInternalServerError, "Failed to load replies")
		}

		items := lo.Map(replies, func(r models.Reply, _ int) models.ReplyItem {
			return models.ReplyItem{
				Id:         r.Id,
				CreatedAt:  r.CreatedAt,
				Transcript: r.Transcript,
				AudioUrl:   feeds.ResolveURL(config.URLs, r.AudioPath),
			}
		})
		return c.JSON(fiber.Map{"replies": items})
	})

	app.Post("/api/transcribe", func(c *fiber.Ctx) error {
		text, err := config.Publisher.Transcribe(c.UserContext(), append([]byte(nil), c.Body()...))
		if errors.Is(err, voice.ErrEmptyAudio) {
			return fail(c, fiber.StatusBadRequest, err.Error())
		}
		if err != nil {
			log.WithFields(log.Fields{
				"error": err,
			}).Error("Error transcribing audio")
			return fail(c, fiber.StatusInternalServerError, "Failed to transcribe audio")
		}
		return c.JSON(fiber.Map{"text": text})
	})

	app.Delete("/api/feed/sse", func(c *fiber.Ctx) error {
		key := c.Query("key", "")
		bc.RemoveClient(key)
		return c.Status(200).SendString("OK")
	})

	app.Get("/api/feed/sse", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		// Unique client key
		key := uuid.New().String()
		sseCreatePostChannel := make(chan models.CreatePostEvent, 10) // Buffered channel

		bc.AddClient(key, sseCreatePostChannel)

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			aliveChan := time.NewTicker(5 * time.Second)
			defer aliveChan.Stop()
			defer func() {
				log.Infof("Cleaning up SSE stream for client: %s", key)
				bc.RemoveClient(key)
			}()

			// Send initial event with client key
			fmt.Fprintf(w, "event: init\ndata: %s\n\n", key)
			if err := w.Flush(); err != nil {
				log.Errorf("Failed to send init event: %v", err)
				return
			}

			for {
				select {
				case <-aliveChan.C:
					if _, err := fmt.Fprintf(w, "event: ping\ndata: \n\n"); err != nil {
						log.Warnf("Failed to send ping to client %s: %v", key, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush ping for client %s: %v", key, err)
						return
					}

				case post, ok := <-sseCreatePostChannel:
					if !ok {
						log.Warnf("CreatePostChannel closed for client %s", key)
						return
					}
					jsonPost, err := json.Marshal(post.Post)
					if err != nil {
						log.Errorf("Error marshalling post for client %s: %v", key, err)
						continue
					}
					if _, err := fmt.Fprintf(w, "event: create-post\ndata: %s\n\n", jsonPost); err != nil {
						log.Warnf("Failed to send create-post event to client %s: %v", key, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush create-post event for client %s: %v", key, err)
						return
					}
				}
			}
		}))

		return nil
	})

	return app
}
