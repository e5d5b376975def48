package chunkuploader

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

var (
	// ErrInvalidArgument is returned for negative sizes and out of range offsets.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrMisalignedOffset is returned when a writer is started at an offset that is not a multiple of the chunk size.
	ErrMisalignedOffset = errors.New("byte offset is not aligned to the chunk size")
	// ErrWriterClosed is returned by every call after Cancel.
	ErrWriterClosed = errors.New("chunk writer closed")
	// ErrIncompleteCommit is returned when the store confirms fewer bytes than the chunk that was just sent.
	ErrIncompleteCommit = errors.New("store did not commit the whole chunk")
	// ErrShortBody is returned by Close when the source ended before the declared content length.
	ErrShortBody = errors.New("body is shorter than the content length")
	// ErrBodyTooLong is returned when more bytes are written than the declared content length.
	ErrBodyTooLong = errors.New("body is longer than the content length")
)

// StatusError is a chunk response with an unexpected status code.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

var confirmedRangeRegexp = regexp.MustCompile(`^bytes=[0-9]+-([0-9]+)$`)

// ParseConfirmedRange returns the last committed byte of a `bytes=0-{n}` range header value.
func ParseConfirmedRange(value string) (int64, error) {
	matches := confirmedRangeRegexp.FindStringSubmatch(value)
	if matches == nil {
		return 0, fmt.Errorf("malformed range %q", value)
	}
	end, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse range end %q: %w", matches[1], err)
	}
	return end, nil
}
