package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
)

// TomlOpenAI holds model names used for the generative collaborators
type TomlOpenAI struct {
	TextModel          string `toml:"text_model"`
	SpeechModel        string `toml:"speech_model"`
	Voice              string `toml:"voice"`
	TranscriptionModel string `toml:"transcription_model"`
	ModerationModel    string `toml:"moderation_model"`
}

// TomlDigest configures digest generation
type TomlDigest struct {
	MaxOutputTokens int `toml:"max_output_tokens"`
}

// TomlSummary configures the one sentence post summary
type TomlSummary struct {
	MaxOutputTokens int `toml:"max_output_tokens"`
	FallbackChars   int `toml:"fallback_chars"`
}

// TomlStorage configures the audio object store
type TomlStorage struct {
	Bucket string `toml:"bucket"`
}

type TomlServer struct {
	AllowOrigins string `toml:"allow_origins"`
}

// TomlConfig represents the top-level configuration
type TomlConfig struct {
	OpenAI  TomlOpenAI  `toml:"openai"`
	Digest  TomlDigest  `toml:"digest"`
	Summary TomlSummary `toml:"summary"`
	Storage TomlStorage `toml:"storage"`
	Server  TomlServer  `toml:"server"`
}

func Default() *TomlConfig {
	return &TomlConfig{
		OpenAI: TomlOpenAI{
			TextModel:          "gpt-4.1-mini",
			SpeechModel:        "gpt-4o-mini-tts",
			Voice:              "alloy",
			TranscriptionModel: "gpt-4o-transcribe",
			ModerationModel:    "omni-moderation-latest",
		},
		Digest: TomlDigest{
			MaxOutputTokens: 320,
		},
		Summary: TomlSummary{
			MaxOutputTokens: 80,
			FallbackChars:   140,
		},
		Storage: TomlStorage{
			Bucket: "voice-audio",
		},
		Server: TomlServer{
			AllowOrigins: "*",
		},
	}
}

// LoadConfig reads the TOML file at path over the defaults. A missing file yields the defaults.
func LoadConfig(path string) (*TomlConfig, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}
