package chunkuploader

import (
	"fmt"
	"net/http"
	"time"
)

const (
	// ChunkSizeGranularity is the unit the store commits bytes in. Chunk sizes must be a multiple of it.
	ChunkSizeGranularity = 256 * 1024

	// DefaultChunkSize is used when no chunk size is configured.
	DefaultChunkSize = 32 * 1024 * 1024
)

// Config holds configuration for the chunk writer.
type Config struct {
	// ChunkSize is the number of bytes sent in a single PUT request.
	// Default: 32 MiB
	ChunkSize int64

	// HTTPClient is the HTTP client to use for chunk requests.
	// If nil, a default client will be created.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:  DefaultChunkSize,
		HTTPClient: DefaultHTTPClient(),
	}
}

// Validate checks that the chunk size can be used against the store.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size %d must be positive", ErrInvalidArgument, c.ChunkSize)
	}
	if c.ChunkSize%ChunkSizeGranularity != 0 {
		return fmt.Errorf("%w: chunk size %d must be a multiple of %d", ErrInvalidArgument, c.ChunkSize, ChunkSizeGranularity)
	}
	return nil
}

// DefaultHTTPClient creates an HTTP client suited for long running chunk uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// Chunk requests are bounded by the context of the writer.
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:          10,
			MaxConnsPerHost:       2,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 5 * time.Minute,
			Proxy:                 http.ProxyFromEnvironment,
		},
	}
}
