package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	testutil "github.com/bitrise-io/go-objectupload/internal/testing"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriter_Alignment(t *testing.T) {
	tests := []struct {
		name       string
		chunkSize  int64
		byteOffset int64
		wantErr    error
	}{
		{name: "zero offset", chunkSize: 1024, byteOffset: 0},
		{name: "one chunk in", chunkSize: 1024, byteOffset: 1024},
		{name: "many chunks in", chunkSize: 256 * 1024, byteOffset: 12 * 256 * 1024},
		{name: "misaligned by one", chunkSize: 1024, byteOffset: 1025, wantErr: ErrMisalignedOffset},
		{name: "offset below chunk size", chunkSize: 1024, byteOffset: 1, wantErr: ErrMisalignedOffset},
		{name: "zero chunk size", chunkSize: 0, byteOffset: 0, wantErr: ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWriter(context.Background(), http.DefaultClient, "http://127.0.0.1:0/session", tt.chunkSize, 16*1024*1024, tt.byteOffset, log.NewLogger())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, w)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.byteOffset, w.Offset())
			assert.Equal(t, 0, w.Requests())
		})
	}
}

func TestNewWriter_OffsetOutOfRange(t *testing.T) {
	_, err := NewWriter(context.Background(), http.DefaultClient, "http://127.0.0.1:0/session", 10, 15, 20, log.NewLogger())
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestWriter_UploadsInChunks(t *testing.T) {
	tests := []struct {
		name          string
		contentLength int
		chunkSize     int64
		writeSizes    []int
	}{
		{name: "single write", contentLength: 10000, chunkSize: 1024, writeSizes: []int{10000}},
		{name: "chunk sized writes", contentLength: 4096, chunkSize: 1024, writeSizes: []int{1024}},
		{name: "small writes", contentLength: 5000, chunkSize: 1024, writeSizes: []int{7}},
		{name: "writes crossing boundaries", contentLength: 9999, chunkSize: 1000, writeSizes: []int{999, 2, 1500, 3001}},
		{name: "one byte less than a chunk", contentLength: 1023, chunkSize: 1024, writeSizes: []int{100}},
		{name: "exact multiple of chunk size", contentLength: 3072, chunkSize: 1024, writeSizes: []int{1000, 48}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutil.NewResumableStore()
			defer store.Close()

			data := testutil.RandomContent(tt.contentLength)
			url := store.CreateSession("bucket", "object", int64(len(data)))

			w, err := NewWriter(context.Background(), store.Client(), url, tt.chunkSize, int64(len(data)), 0, log.NewLogger())
			require.NoError(t, err)

			writeInPieces(t, w, data, tt.writeSizes)
			require.NoError(t, w.Close())

			wantRequests := int((int64(len(data)) + tt.chunkSize - 1) / tt.chunkSize)
			assert.Equal(t, int64(len(data)), w.Offset())
			assert.Equal(t, wantRequests, w.Requests())
			assertContiguous(t, store.Requests(), 0, int64(len(data)))
			require.NoError(t, store.Violations())

			object, ok := store.Object("bucket", "object")
			require.True(t, ok)
			assert.Equal(t, data, object)
			require.NotNil(t, w.Metadata())
			assert.Equal(t, store.Metadata(data)["md5Hash"], w.Metadata().MD5Hash)
			assert.Equal(t, store.Metadata(data)["crc32c"], w.Metadata().CRC32C)
		})
	}
}

func TestWriter_TenMegabytesInOneWrite(t *testing.T) {
	const contentLength = 10_000_000
	const chunkSize = 1_048_576

	store := testutil.NewResumableStore()
	defer store.Close()

	data := testutil.RandomContent(contentLength)
	url := store.CreateSession("bucket", "video.mp4", contentLength)

	w, err := NewWriter(context.Background(), store.Client(), url, chunkSize, contentLength, 0, log.NewLogger())
	require.NoError(t, err)

	n, err := w.Write(data)
	require.NoError(t, err)
	assert.Equal(t, contentLength, n)
	require.NoError(t, w.Close())

	requests := store.Requests()
	require.Len(t, requests, 10)
	for _, req := range requests[:9] {
		assert.Equal(t, int64(chunkSize), req.ContentLength)
	}
	assert.Equal(t, int64(562_816), requests[9].ContentLength)
	assert.Equal(t, "bytes 9437184-9999999/10000000", requests[9].ContentRange)
	assert.Equal(t, int64(contentLength), w.Offset())
	assert.Equal(t, int64(10), w.Stats().FinishedCount())
	assert.Equal(t, int64(contentLength), w.Stats().Bytes())
	require.NotNil(t, w.Metadata())
	assert.Equal(t, store.Metadata(data)["md5Hash"], w.Metadata().MD5Hash)
}

func TestWriter_IncompleteCommitThenResume(t *testing.T) {
	const contentLength = 10_000_000
	const chunkSize = 1_048_576

	store := testutil.NewResumableStore()
	defer store.Close()
	store.Intercept(func(w http.ResponseWriter, req testutil.ChunkRequest) bool {
		if req.Number != 4 {
			return false
		}
		w.Header().Set("Range", "bytes=0-3145727")
		w.WriteHeader(http.StatusPermanentRedirect)
		return true
	})

	data := testutil.RandomContent(contentLength)
	url := store.CreateSession("bucket", "video.mp4", contentLength)

	w, err := NewWriter(context.Background(), store.Client(), url, chunkSize, contentLength, 0, log.NewLogger())
	require.NoError(t, err)

	_, err = w.Write(data)
	require.ErrorIs(t, err, ErrIncompleteCommit)
	assert.Equal(t, "bytes=0-3145727", w.ConfirmedRange())
	assert.Equal(t, 4, w.Requests())
	assert.Nil(t, w.Metadata())

	// The writer stays failed.
	_, err = w.Write([]byte{1})
	require.ErrorIs(t, err, ErrIncompleteCommit)
	require.ErrorIs(t, w.Close(), ErrIncompleteCommit)

	end, err := ParseConfirmedRange(w.ConfirmedRange())
	require.NoError(t, err)
	offset := end + 1
	require.Equal(t, int64(3_145_728), offset)

	store.Intercept(nil)
	resumed, err := NewWriter(context.Background(), store.Client(), url, chunkSize, contentLength, offset, log.NewLogger())
	require.NoError(t, err)

	n, err := resumed.Write(data[offset:])
	require.NoError(t, err)
	assert.Equal(t, 6_854_272, n)
	require.NoError(t, resumed.Close())

	assert.Equal(t, 7, resumed.Requests())
	assertContiguous(t, store.Requests()[4:], offset, contentLength)
	require.NoError(t, store.Violations())
	require.NotNil(t, resumed.Metadata())
	assert.Equal(t, store.Metadata(data)["md5Hash"], resumed.Metadata().MD5Hash)
}

func TestWriter_IncompleteSignalWithoutRange(t *testing.T) {
	store := testutil.NewResumableStore()
	defer store.Close()
	store.Intercept(func(w http.ResponseWriter, req testutil.ChunkRequest) bool {
		w.WriteHeader(http.StatusPermanentRedirect)
		return true
	})

	url := store.CreateSession("bucket", "object", 2048)
	w, err := NewWriter(context.Background(), store.Client(), url, 1024, 2048, 0, log.NewLogger())
	require.NoError(t, err)

	_, err = w.Write(make([]byte, 2048))
	require.ErrorIs(t, err, ErrIncompleteCommit)
	assert.Equal(t, "", w.ConfirmedRange())
	assert.Equal(t, 1, w.Requests())
}

func TestWriter_FailedChunkStopsUpload(t *testing.T) {
	store := testutil.NewResumableStore()
	defer store.Close()
	store.Intercept(func(w http.ResponseWriter, req testutil.ChunkRequest) bool {
		if req.Number != 3 {
			return false
		}
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
		return true
	})

	url := store.CreateSession("bucket", "object", 5000)
	w, err := NewWriter(context.Background(), store.Client(), url, 1000, 5000, 0, log.NewLogger())
	require.NoError(t, err)

	_, err = w.Write(make([]byte, 5000))
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "backend unavailable")
	assert.Equal(t, "bytes=0-1999", w.ConfirmedRange())
	assert.Equal(t, 3, w.Requests())
	assert.Equal(t, err, w.Err())

	_, err = w.Write([]byte{1})
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 3, w.Requests())
}

func TestWriter_ShortBody(t *testing.T) {
	store := testutil.NewResumableStore()
	defer store.Close()

	url := store.CreateSession("bucket", "object", 3000)
	w, err := NewWriter(context.Background(), store.Client(), url, 1000, 3000, 0, log.NewLogger())
	require.NoError(t, err)

	_, err = w.Write(make([]byte, 1500))
	require.NoError(t, err)

	require.ErrorIs(t, w.Close(), ErrShortBody)
	assert.Equal(t, "bytes=0-999", w.ConfirmedRange())
}

func TestWriter_BodyTooLong(t *testing.T) {
	store := testutil.NewResumableStore()
	defer store.Close()

	url := store.CreateSession("bucket", "object", 100)
	w, err := NewWriter(context.Background(), store.Client(), url, 1000, 100, 0, log.NewLogger())
	require.NoError(t, err)

	n, err := w.Write(make([]byte, 101))
	require.ErrorIs(t, err, ErrBodyTooLong)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, w.Requests())
}

func TestWriter_EmptyObject(t *testing.T) {
	store := testutil.NewResumableStore()
	defer store.Close()

	url := store.CreateSession("bucket", "empty", 0)
	w, err := NewWriter(context.Background(), store.Client(), url, 1024, 0, 0, log.NewLogger())
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	requests := store.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "bytes */0", requests[0].ContentRange)
	require.NotNil(t, w.Metadata())
	object, ok := store.Object("bucket", "empty")
	require.True(t, ok)
	assert.Empty(t, object)
}

func TestWriter_Backpressure(t *testing.T) {
	doer := newBlockingDoer()
	w, err := NewWriter(context.Background(), doer, "http://store.invalid/session", 1024, 4096, 0, log.NewLogger())
	require.NoError(t, err)

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := w.Write(make([]byte, 1024))
		done <- result{n: n, err: err}
	}()

	<-doer.called
	select {
	case <-done:
		t.Fatal("Write returned before the transport consumed the chunk body")
	case <-time.After(200 * time.Millisecond):
	}

	close(doer.release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 1024, res.n)
	assert.Equal(t, int64(1024), <-doer.read)
	assert.Equal(t, "bytes=0-1023", w.ConfirmedRange())
}

func TestWriter_BackpressureWithinChunk(t *testing.T) {
	doer := newBlockingDoer()
	w, err := NewWriter(context.Background(), doer, "http://store.invalid/session", 1024, 4096, 0, log.NewLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := w.Write(make([]byte, 512))
		done <- err
	}()

	<-doer.called
	select {
	case <-done:
		t.Fatal("Write returned before the transport read the bytes")
	case <-time.After(200 * time.Millisecond):
	}

	close(doer.release)
	require.NoError(t, <-done)
	assert.Equal(t, int64(512), w.Offset())
	assert.Empty(t, w.ConfirmedRange())
	select {
	case n := <-doer.read:
		t.Fatalf("chunk body finished early with %d bytes", n)
	default:
	}

	n, err := w.Write(make([]byte, 512))
	require.NoError(t, err)
	assert.Equal(t, 512, n)
	assert.Equal(t, int64(1024), <-doer.read)
	assert.Equal(t, "bytes=0-1023", w.ConfirmedRange())
	assert.Equal(t, 1, w.Requests())
}

func TestWriter_Cancel(t *testing.T) {
	doer := newBlockingDoer()
	w, err := NewWriter(context.Background(), doer, "http://store.invalid/session", 1024, 4096, 0, log.NewLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := w.Write(make([]byte, 512))
		done <- err
	}()

	<-doer.called
	w.Cancel()

	err = <-done
	require.ErrorIs(t, err, context.Canceled)

	_, err = w.Write([]byte{1})
	require.ErrorIs(t, err, ErrWriterClosed)
	require.ErrorIs(t, w.Close(), ErrWriterClosed)
	w.Cancel()
}

func TestWriter_ContextCancelled(t *testing.T) {
	doer := newBlockingDoer()
	ctx, cancel := context.WithCancel(context.Background())
	w, err := NewWriter(ctx, doer, "http://store.invalid/session", 1024, 4096, 0, log.NewLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := w.Write(make([]byte, 2048))
		done <- err
	}()

	<-doer.called
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 1, w.Requests())
}

// blockingDoer holds every request until released, then drains the body and confirms it.
type blockingDoer struct {
	called  chan struct{}
	release chan struct{}
	read    chan int64
}

func newBlockingDoer() *blockingDoer {
	return &blockingDoer{
		called:  make(chan struct{}, 16),
		release: make(chan struct{}),
		read:    make(chan int64, 16),
	}
}

func (d *blockingDoer) Do(req *http.Request) (*http.Response, error) {
	d.called <- struct{}{}

	select {
	case <-d.release:
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}

	n, err := io.Copy(io.Discard, req.Body)
	if err != nil {
		return nil, err
	}
	d.read <- n

	var start, end, total int64
	if _, err := fmt.Sscanf(req.Header.Get("Content-Range"), "bytes %d-%d/%d", &start, &end, &total); err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: http.StatusPermanentRedirect,
		Header:     http.Header{"Range": []string{fmt.Sprintf("bytes=0-%d", end)}},
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

func writeInPieces(t *testing.T, w io.Writer, data []byte, sizes []int) {
	t.Helper()

	for i := 0; len(data) > 0; i++ {
		size := sizes[i%len(sizes)]
		if size > len(data) {
			size = len(data)
		}
		n, err := w.Write(data[:size])
		require.NoError(t, err)
		require.Equal(t, size, n)
		data = data[size:]
	}
}

func assertContiguous(t *testing.T, requests []testutil.ChunkRequest, start, total int64) {
	t.Helper()

	next := start
	for _, req := range requests {
		assert.Equal(t, next, req.Start, "chunk %d", req.Number)
		assert.Equal(t, total, req.Total, "chunk %d", req.Number)
		assert.Equal(t, fmt.Sprintf("bytes %d-%d/%d", req.Start, req.End, total), req.ContentRange)
		next = req.End + 1
	}
	assert.Equal(t, total, next)
}
