package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"voxfeed/config"
	"voxfeed/digest"

	"github.com/cqroot/prompt"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func digestCmd() *cli.Command {
	return &cli.Command{
		Name:  "digest",
		Usage: "Print the digest for a viewer",
		Description: `Composes the spoken-style digest of recent posts and prints it.

Without a viewer the digest covers the global feed. A viewer who follows
people gets a digest of the people they follow.

Optionally writes the synthesized mp3 audio to a file.`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "viewer",
				Aliases: []string{"v"},
				Usage:   "Viewer id",
			},
			&cli.BoolFlag{
				Name:  "ask",
				Usage: "Prompt for the viewer id",
			},
			&cli.StringFlag{
				Name:    "audio",
				Aliases: []string{"o"},
				Usage:   "Write the spoken digest to this mp3 file",
			},
			databaseFlag(),
			configFlag(),
		}, openAIFlags()...),
		Action: func(ctx *cli.Context) error {
			// Digest text goes to stdout
			log.SetOutput(os.Stderr)

			viewer := ctx.String("viewer")
			if ctx.Bool("ask") {
				answer, err := prompt.New().Ask("Viewer id (empty for global):").Input(viewer)
				if err != nil {
					return err
				}
				viewer = strings.TrimSpace(answer)
			}

			cfg, err := config.LoadConfig(ctx.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			store, err := openDatabase(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			client := newAIClient(ctx, cfg)
			composer := digest.NewComposer(store, client, client, cfg.Digest.MaxOutputTokens)

			out := ctx.String("audio")
			if out == "" {
				text, err := composer.ComposeDigest(ctx.Context, viewer)
				if err != nil {
					return err
				}
				fmt.Println(text)
				return nil
			}

			if !strings.HasSuffix(out, ".mp3") {
				return errors.New("audio output must be an .mp3 file")
			}
			audio, err := composer.SynthesizeDigestAudio(ctx.Context, viewer)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, audio, 0o644); err != nil {
				return fmt.Errorf("could not write audio: %w", err)
			}
			fmt.Println("Wrote digest audio to", out)
			return nil
		},
	}
}
