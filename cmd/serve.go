package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voxfeed/config"
	"voxfeed/digest"
	"voxfeed/feeds"
	"voxfeed/server"
	"voxfeed/storage"
	"voxfeed/voice"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the voxfeed API",
		Description: `Starts the voxfeed HTTP server.

Serves the feed, digest, publishing and social graph endpoints under /api,
a live stream of new posts on /api/feed/sse and Prometheus metrics on /metrics.`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Value:   "0.0.0.0",
				Usage:   "Host to listen on",
				EnvVars: []string{"VOXFEED_HOST"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   3000,
				Usage:   "Port to listen on",
				EnvVars: []string{"VOXFEED_PORT"},
			},
			&cli.StringFlag{
				Name:     "supabase-url",
				Usage:    "Supabase project URL used for audio storage",
				EnvVars:  []string{"VOXFEED_SUPABASE_URL"},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "supabase-key",
				Usage:    "Supabase service role key",
				EnvVars:  []string{"VOXFEED_SUPABASE_KEY"},
				Required: true,
			},
			databaseFlag(),
			configFlag(),
		}, openAIFlags()...),
		Action: func(ctx *cli.Context) error {
			cfg, err := config.LoadConfig(ctx.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			store, err := openDatabase(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			bucket, err := storage.NewBucket(storage.Config{
				URL:    ctx.String("supabase-url"),
				Key:    ctx.String("supabase-key"),
				Bucket: cfg.Storage.Bucket,
			})
			if err != nil {
				return err
			}

			client := newAIClient(ctx, cfg)
			bc := server.NewBroadcaster()

			publisher := voice.NewPublisher(store, bucket, client, client, client, voice.Config{
				SummaryMaxTokens:     cfg.Summary.MaxOutputTokens,
				SummaryFallbackChars: cfg.Summary.FallbackChars,
			})
			publisher.OnPost = bc.Announcer(store, bucket)

			app := server.Server(&server.ServerConfig{
				Feeds:        feeds.NewAssembler(store, bucket),
				Digest:       digest.NewComposer(store, client, client, cfg.Digest.MaxOutputTokens),
				Publisher:    publisher,
				Store:        store,
				URLs:         bucket,
				Broadcaster:  bc,
				AllowOrigins: cfg.Server.AllowOrigins,
			})

			// Graceful shutdown
			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-c
				log.Info("Gracefully shutting down...")
				bc.Shutdown()
				if err := app.ShutdownWithTimeout(60 * time.Second); err != nil {
					log.WithFields(log.Fields{
						"error": err,
					}).Error("Error shutting down server")
				}
			}()

			addr := fmt.Sprintf("%s:%d", ctx.String("host"), ctx.Int("port"))
			log.WithFields(log.Fields{
				"addr": addr,
			}).Info("Starting server")

			return app.Listen(addr)
		},
	}
}
