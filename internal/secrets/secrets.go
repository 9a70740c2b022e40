// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package secrets loads API keys from a directory of plain-text files and
// from a dotenv file. Each file in the directory is one secret: the file
// name is the key name and the trimmed contents are the value.
//
// Recognized key files: openai-api-key, anthropic-api-key, gemini-api-key.
package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/pdiddy/book-engine/pkg/types"
)

// keyFiles maps each provider to its secret file name and environment variable.
var keyFiles = map[types.ProviderName][2]string{
	types.ProviderOpenAI:    {"openai-api-key", "OPENAI_API_KEY"},
	types.ProviderAnthropic: {"anthropic-api-key", "ANTHROPIC_API_KEY"},
	types.ProviderGemini:    {"gemini-api-key", "GEMINI_API_KEY"},
}

// Load reads all files in dir and returns a map of filename to trimmed contents.
// A missing directory is not an error; Load returns an empty map.
// Unreadable files produce a warning on stderr but do not abort.
func Load(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading secrets directory %s: %w", dir, err)
	}

	secrets := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name := entry.Name()
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not read secret %s: %v\n", name, err)
			continue
		}
		if value := strings.TrimSpace(string(data)); value != "" {
			secrets[name] = value
		}
	}
	return secrets, nil
}

// LoadEnv loads a dotenv file into the process environment without
// overriding variables that are already set. A missing file is ignored.
func LoadEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}

// APIKey returns the key for provider: the secret file first, then the
// environment variable.
func APIKey(secrets map[string]string, provider types.ProviderName) string {
	names, ok := keyFiles[provider]
	if !ok {
		return ""
	}
	if v := secrets[names[0]]; v != "" {
		return v
	}
	return os.Getenv(names[1])
}

// Apply fills empty API keys in cfg for the configured providers.
func Apply(cfg *types.EngineConfig, secrets map[string]string) {
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = APIKey(secrets, cfg.Provider.Provider)
	}
	if cfg.Memory.Embedding.APIKey == "" {
		cfg.Memory.Embedding.APIKey = APIKey(secrets, cfg.Memory.Embedding.Provider)
	}
}
