// Package chunkuploader uploads a byte stream to a resumable upload session in
// fixed-size chunks, one HTTP request at a time.
package chunkuploader

import (
	"fmt"
	"net/http"
)

// StatusResumeIncomplete is the status the store answers a chunk with when it
// acknowledged a prefix of the upload but the object is not finalized yet.
const StatusResumeIncomplete = http.StatusPermanentRedirect

// Doer issues HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Range is the half-open byte span [Start, Limit) of a single chunk.
type Range struct {
	Start int64
	Limit int64
}

// ChunkRange returns the span of the chunkIndex-th chunk (1-based) of a
// contentLength long object split into chunkSize chunks.
func ChunkRange(chunkSize, contentLength, chunkIndex int64) (Range, error) {
	if chunkSize <= 0 {
		return Range{}, fmt.Errorf("%w: chunk size %d must be positive", ErrInvalidArgument, chunkSize)
	}
	if contentLength < 0 {
		return Range{}, fmt.Errorf("%w: content length %d must not be negative", ErrInvalidArgument, contentLength)
	}
	if chunkIndex < 1 {
		return Range{}, fmt.Errorf("%w: chunk index %d must be at least 1", ErrInvalidArgument, chunkIndex)
	}

	start := chunkSize * (chunkIndex - 1)
	if start > contentLength {
		start = contentLength
	}
	limit := chunkSize * chunkIndex
	if limit > contentLength {
		limit = contentLength
	}
	return Range{Start: start, Limit: limit}, nil
}

// Len returns the number of bytes in the range.
func (r Range) Len() int64 {
	return r.Limit - r.Start
}

// ContentRange formats the Content-Range request header of the chunk.
func (r Range) ContentRange(total int64) string {
	if r.Len() == 0 {
		return fmt.Sprintf("bytes */%d", total)
	}
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.Limit-1, total)
}

// ObjectMetadata is the body the store returns once the last chunk is committed.
type ObjectMetadata struct {
	MD5Hash     string `json:"md5Hash"`
	CRC32C      string `json:"crc32c"`
	TimeCreated string `json:"timeCreated"`
	Updated     string `json:"updated"`
}
