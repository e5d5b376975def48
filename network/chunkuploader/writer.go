package chunkuploader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

const maxResponseBodySize = 1024 * 1024

var errChunkResponded = errors.New("chunk request already answered")

type writerState int

const (
	stateActive writerState = iota
	stateCompleted
	stateFailed
)

type chunkResponse struct {
	status int
	header http.Header
	body   []byte
	err    error
}

// chunkRequest is the single in-flight PUT of a writer.
type chunkRequest struct {
	index    int64
	rng      Range
	body     *io.PipeWriter
	reader   *io.PipeReader
	response chan chunkResponse
	cancel   context.CancelFunc
	started  time.Time
}

func (c *chunkRequest) do(client Doer, req *http.Request) {
	resp, err := client.Do(req)
	if err != nil {
		c.reader.CloseWithError(err)
		c.response <- chunkResponse{err: err}
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	c.reader.CloseWithError(errChunkResponded)
	c.response <- chunkResponse{
		status: resp.StatusCode,
		header: resp.Header,
		body:   body,
		err:    err,
	}
}

// Writer streams bytes into consecutive chunk requests of a resumable upload session.
//
// Write and Close drive the upload and must be called from one goroutine.
// Cancel may be called from any goroutine.
type Writer struct {
	ctx           context.Context
	client        Doer
	url           string
	chunkSize     int64
	contentLength int64
	byteOffset    int64
	chunkIndex    int64
	logger        log.Logger
	stats         *Stats

	mu       sync.Mutex
	active   *chunkRequest
	closed   bool
	requests int

	state          writerState
	err            error
	confirmedRange string
	metadata       *ObjectMetadata
}

// NewWriter creates a writer that continues the session at url from byteOffset.
// No request is issued until the first byte is written.
func NewWriter(ctx context.Context, client Doer, url string, chunkSize, contentLength, byteOffset int64, logger log.Logger) (*Writer, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size %d must be positive", ErrInvalidArgument, chunkSize)
	}
	if byteOffset%chunkSize != 0 {
		return nil, fmt.Errorf("%w: byte offset %d, chunk size %d", ErrMisalignedOffset, byteOffset, chunkSize)
	}
	if contentLength < 0 {
		return nil, fmt.Errorf("%w: content length %d must not be negative", ErrInvalidArgument, contentLength)
	}
	if byteOffset < 0 || byteOffset > contentLength {
		return nil, fmt.Errorf("%w: byte offset %d is outside of [0, %d]", ErrInvalidArgument, byteOffset, contentLength)
	}

	return &Writer{
		ctx:           ctx,
		client:        client,
		url:           url,
		chunkSize:     chunkSize,
		contentLength: contentLength,
		byteOffset:    byteOffset,
		chunkIndex:    byteOffset / chunkSize,
		logger:        logger,
		stats:         NewStats(),
	}, nil
}

// Write forwards p into the active chunk, opening and finishing chunk requests at chunk boundaries.
// It blocks while the transport is not consuming the chunk body and while a finished chunk awaits its response.
func (w *Writer) Write(p []byte) (int, error) {
	if err := w.checkOpen(); err != nil {
		return 0, err
	}
	if w.byteOffset+int64(len(p)) > w.contentLength {
		return 0, w.fail(fmt.Errorf("%w: %d bytes written after offset %d, content length is %d",
			ErrBodyTooLong, len(p), w.byteOffset, w.contentLength))
	}

	written := 0
	for len(p) > 0 {
		chunk, err := w.currentChunk()
		if err != nil {
			return written, err
		}

		remaining := chunk.rng.Limit - w.byteOffset
		if int64(len(p)) < remaining {
			n, err := chunk.body.Write(p)
			w.byteOffset += int64(n)
			written += n
			if err != nil {
				return written, w.abortChunk(chunk, err)
			}
			return written, nil
		}

		n, err := chunk.body.Write(p[:remaining])
		w.byteOffset += int64(n)
		written += n
		if err != nil {
			return written, w.abortChunk(chunk, err)
		}
		if err := w.finishChunk(chunk); err != nil {
			return written, err
		}
		p = p[remaining:]
	}

	return written, nil
}

// Close finalizes the upload. It returns nil once the store reported the object as complete.
func (w *Writer) Close() error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if w.state == stateCompleted {
		return nil
	}
	if w.byteOffset < w.contentLength {
		return w.fail(fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, w.byteOffset, w.contentLength))
	}

	// Nothing was left to send from this offset, the session still has to be finalized.
	return w.finalize()
}

// Cancel aborts the in-flight chunk request. Every later call fails with ErrWriterClosed.
func (w *Writer) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	if w.active != nil {
		w.active.cancel()
		w.active.body.CloseWithError(ErrWriterClosed)
	}
}

// Offset returns the number of bytes handed to chunk requests so far.
func (w *Writer) Offset() int64 {
	return w.byteOffset
}

// ConfirmedRange returns the last Range header value the store confirmed, or "".
func (w *Writer) ConfirmedRange() string {
	return w.confirmedRange
}

// Metadata returns the object metadata of the completed upload.
func (w *Writer) Metadata() *ObjectMetadata {
	return w.metadata
}

// Err returns the error that stopped the writer.
func (w *Writer) Err() error {
	return w.err
}

// Requests returns the number of chunk requests issued.
func (w *Writer) Requests() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requests
}

// Stats returns the statistics of committed chunks.
func (w *Writer) Stats() *Stats {
	return w.stats
}

func (w *Writer) checkOpen() error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()

	if closed {
		return ErrWriterClosed
	}
	if w.state == stateFailed {
		return w.err
	}
	return nil
}

func (w *Writer) currentChunk() (*chunkRequest, error) {
	w.mu.Lock()
	chunk := w.active
	w.mu.Unlock()
	if chunk != nil {
		return chunk, nil
	}

	if err := w.ctx.Err(); err != nil {
		return nil, w.fail(fmt.Errorf("upload cancelled: %w", err))
	}

	rng, err := ChunkRange(w.chunkSize, w.contentLength, w.chunkIndex+1)
	if err != nil {
		return nil, w.fail(err)
	}
	if rng.Start != w.byteOffset {
		return nil, w.fail(fmt.Errorf("chunk %d starts at %d, offset is %d", w.chunkIndex+1, rng.Start, w.byteOffset))
	}
	w.chunkIndex++

	return w.startChunk(rng)
}

func (w *Writer) startChunk(rng Range) (*chunkRequest, error) {
	ctx, cancel := context.WithCancel(w.ctx)
	reader, body := io.Pipe()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, w.url, reader)
	if err != nil {
		cancel()
		return nil, w.fail(fmt.Errorf("create chunk request: %w", err))
	}
	req.ContentLength = rng.Len()
	req.Header.Set("Content-Range", rng.ContentRange(w.contentLength))

	chunk := &chunkRequest{
		index:    w.chunkIndex,
		rng:      rng,
		body:     body,
		reader:   reader,
		response: make(chan chunkResponse, 1),
		cancel:   cancel,
		started:  time.Now(),
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		cancel()
		return nil, ErrWriterClosed
	}
	w.active = chunk
	w.requests++
	w.mu.Unlock()

	w.logger.Debugf("Uploading chunk %d: %s", chunk.index, req.Header.Get("Content-Range"))
	go chunk.do(w.client, req)

	return chunk, nil
}

func (w *Writer) finishChunk(chunk *chunkRequest) error {
	if err := chunk.body.Close(); err != nil {
		return w.fail(fmt.Errorf("close chunk %d body: %w", chunk.index, err))
	}
	res := <-chunk.response
	w.release(chunk)

	return w.settle(chunk.index, chunk.rng, chunk.started, res)
}

// abortChunk resolves a chunk whose body could not be written, which means the request already ended.
func (w *Writer) abortChunk(chunk *chunkRequest, writeErr error) error {
	res := <-chunk.response
	w.release(chunk)

	if res.err != nil {
		return w.fail(fmt.Errorf("chunk %d (%s): %w", chunk.index, chunk.rng.ContentRange(w.contentLength), res.err))
	}
	if res.status != StatusResumeIncomplete && (res.status < 200 || res.status > 299) {
		return w.fail(&StatusError{StatusCode: res.status, Body: string(res.body)})
	}
	return w.fail(fmt.Errorf("write chunk %d body: %w", chunk.index, writeErr))
}

func (w *Writer) release(chunk *chunkRequest) {
	chunk.cancel()

	w.mu.Lock()
	if w.active == chunk {
		w.active = nil
	}
	w.mu.Unlock()
}

func (w *Writer) settle(index int64, rng Range, started time.Time, res chunkResponse) error {
	if res.err != nil {
		return w.fail(fmt.Errorf("chunk %d (%s): %w", index, rng.ContentRange(w.contentLength), res.err))
	}

	switch {
	case res.status >= 200 && res.status <= 299:
		w.stats.Update(time.Since(started), rng.Len())
		if w.byteOffset < w.contentLength {
			w.logger.Debugf("Chunk %d committed, %d of %d bytes sent", index, w.byteOffset, w.contentLength)
			return nil
		}

		var metadata ObjectMetadata
		if err := json.Unmarshal(res.body, &metadata); err != nil {
			return w.fail(fmt.Errorf("decode upload response: %w", err))
		}
		w.metadata = &metadata
		w.state = stateCompleted
		w.logger.Debugf("Upload completed with chunk %d", index)
		return nil
	case res.status == StatusResumeIncomplete:
		rangeHeader := res.header.Get("Range")
		if rangeHeader != "" {
			w.confirmedRange = rangeHeader
		}

		end, err := ParseConfirmedRange(rangeHeader)
		if err != nil || end+1 < rng.Limit {
			return w.fail(fmt.Errorf("%w: chunk %d ended at byte %d, store confirmed %q",
				ErrIncompleteCommit, index, rng.Limit-1, rangeHeader))
		}
		if w.byteOffset >= w.contentLength {
			return w.fail(fmt.Errorf("%w: store did not finalize the object after the last chunk", ErrIncompleteCommit))
		}

		w.stats.Update(time.Since(started), rng.Len())
		w.logger.Debugf("Chunk %d committed (%s), %d of %d bytes sent", index, rangeHeader, w.byteOffset, w.contentLength)
		return nil
	default:
		return w.fail(&StatusError{StatusCode: res.status, Body: string(res.body)})
	}
}

// finalize sends the zero length request that completes a session with no bytes left to send.
func (w *Writer) finalize() error {
	rng := Range{Start: w.contentLength, Limit: w.contentLength}

	ctx, cancel := context.WithCancel(w.ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, w.url, http.NoBody)
	if err != nil {
		cancel()
		return w.fail(fmt.Errorf("create finalize request: %w", err))
	}
	req.ContentLength = 0
	req.Header.Set("Content-Range", rng.ContentRange(w.contentLength))

	reader, body := io.Pipe()
	chunk := &chunkRequest{
		index:    w.chunkIndex + 1,
		rng:      rng,
		body:     body,
		reader:   reader,
		response: make(chan chunkResponse, 1),
		cancel:   cancel,
		started:  time.Now(),
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		cancel()
		return ErrWriterClosed
	}
	w.active = chunk
	w.requests++
	w.mu.Unlock()

	w.logger.Debugf("Finalizing upload: %s", req.Header.Get("Content-Range"))
	chunk.do(w.client, req)

	return w.finishChunk(chunk)
}

func (w *Writer) fail(err error) error {
	w.mu.Lock()
	if w.active != nil {
		w.active.cancel()
		w.active.body.CloseWithError(err)
		w.active = nil
	}
	w.mu.Unlock()

	w.state = stateFailed
	w.err = err
	w.logger.Debugf("Chunk writer stopped at offset %d: %s", w.byteOffset, err)
	return err
}
