package upload

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/env"

	"github.com/scribeline/go-uploadkit/envconf"
)

// DefaultChunkSizeBytes is used when neither the caller nor the
// environment specifies a chunk size.
const DefaultChunkSizeBytes int64 = 8 * 1024 * 1024

type config struct {
	APIBaseURL     string         `env:"UPLOADKIT_API_URL"`
	APIAccessToken envconf.Secret `env:"UPLOADKIT_API_TOKEN"`
	ChunkSizeBytes int64          `env:"UPLOADKIT_CHUNK_SIZE,bytesize"`
	Concurrency    int            `env:"UPLOADKIT_CONCURRENCY"`
	ClientName     string         `env:"UPLOADKIT_CLIENT_NAME"`
}

func createConfig(envRepo env.Repository) (config, error) {
	var c config
	if err := envconf.NewInputParser(envRepo).Parse(&c); err != nil {
		return config{}, fmt.Errorf("failed to parse inputs: %w", err)
	}
	return c, nil
}

// chunkSize resolves the effective chunk size: explicit option over
// environment over default.
func (c config) chunkSize(explicit int64) int64 {
	if explicit > 0 {
		return explicit
	}
	if c.ChunkSizeBytes > 0 {
		return c.ChunkSizeBytes
	}
	return DefaultChunkSizeBytes
}

// concurrency resolves the effective worker pool size.
func (c config) concurrency(explicit int) int {
	if explicit > 0 {
		return explicit
	}
	return c.Concurrency
}
