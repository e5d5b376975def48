package testing

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const sessionPathPrefix = "/upload/session/"

var contentRangeRegexp = regexp.MustCompile(`^bytes (?:([0-9]+)-([0-9]+)|\*)/([0-9]+)$`)

// ChunkRequest is a chunk PUT received by a ResumableStore.
type ChunkRequest struct {
	Session       string
	Number        int
	ContentRange  string
	ContentLength int64
	Start         int64
	// End is the last byte of the chunk, Start-1 for a zero length request.
	End   int64
	Total int64
	Body  []byte
}

// Interceptor can replace the answer of the store to a chunk request.
// It returns true when it wrote the response itself, in which case the chunk is not committed.
type Interceptor func(w http.ResponseWriter, req ChunkRequest) bool

type session struct {
	id            string
	bucket        string
	name          string
	contentType   string
	contentLength int64
	data          []byte
	chunks        int
	done          bool
}

// ResumableStore is an in-memory object store that speaks the resumable upload protocol over HTTP.
type ResumableStore struct {
	Server *httptest.Server
	// Now provides object timestamps.
	Now func() time.Time

	mu          sync.Mutex
	sessions    map[string]*session
	objects     map[string][]byte
	requests    []ChunkRequest
	violations  MultiError
	interceptor Interceptor
}

// NewResumableStore starts a store on a local test server. Call Close when done.
func NewResumableStore() *ResumableStore {
	s := &ResumableStore{
		Now:      func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) },
		sessions: map[string]*session{},
		objects:  map[string][]byte{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// Close shuts the test server down.
func (s *ResumableStore) Close() {
	s.Server.Close()
}

// URL is the storage API domain of the store.
func (s *ResumableStore) URL() string {
	return s.Server.URL
}

// Client returns an HTTP client talking to the store.
func (s *ResumableStore) Client() *http.Client {
	return s.Server.Client()
}

// Intercept installs an interceptor for the following chunk requests.
func (s *ResumableStore) Intercept(interceptor Interceptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interceptor = interceptor
}

// CreateSession opens a session directly, without the initiation request, and returns its URL.
func (s *ResumableStore) CreateSession(bucket, name string, contentLength int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createSession(bucket, name, "application/octet-stream", contentLength)
}

// Requests returns the chunk requests received so far.
func (s *ResumableStore) Requests() []ChunkRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChunkRequest(nil), s.requests...)
}

// Object returns the content of a finalized object.
func (s *ResumableStore) Object(bucket, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+name]
	return data, ok
}

// Violations returns the protocol violations the store noticed, nil if there were none.
func (s *ResumableStore) Violations() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.violations) == 0 {
		return nil
	}
	return s.violations
}

// Metadata returns the response body the store sends for a finalized object with the given content.
func (s *ResumableStore) Metadata(data []byte) map[string]string {
	md5Sum := md5.Sum(data)
	crc := make([]byte, 4)
	binary.BigEndian.PutUint32(crc, crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli)))
	now := s.Now().Format(time.RFC3339Nano)

	return map[string]string{
		"md5Hash":     base64.StdEncoding.EncodeToString(md5Sum[:]),
		"crc32c":      base64.StdEncoding.EncodeToString(crc),
		"timeCreated": now,
		"updated":     now,
	}
}

func (s *ResumableStore) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/upload/storage/v1/b/"):
		s.serveObjectUpload(w, r)
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, sessionPathPrefix):
		s.serveChunk(w, r)
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

func (s *ResumableStore) serveObjectUpload(w http.ResponseWriter, r *http.Request) {
	bucket := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/upload/storage/v1/b/"), "/o")
	name := r.URL.Query().Get("name")

	switch r.URL.Query().Get("uploadType") {
	case "resumable":
		contentLength, err := strconv.ParseInt(r.Header.Get("X-Upload-Content-Length"), 10, 64)
		if err != nil {
			http.Error(w, "invalid X-Upload-Content-Length", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		url := s.createSession(bucket, name, r.Header.Get("X-Upload-Content-Type"), contentLength)
		s.mu.Unlock()

		w.Header().Set("Location", url)
		w.WriteHeader(http.StatusOK)
	case "media":
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.ContentLength != int64(len(data)) {
			http.Error(w, "content length mismatch", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.objects[bucket+"/"+name] = data
		s.mu.Unlock()

		s.writeMetadata(w, data)
	default:
		http.Error(w, "unknown upload type", http.StatusBadRequest)
	}
}

func (s *ResumableStore) createSession(bucket, name, contentType string, contentLength int64) string {
	id := uuid.NewString()
	s.sessions[id] = &session{
		id:            id,
		bucket:        bucket,
		name:          name,
		contentType:   contentType,
		contentLength: contentLength,
	}
	return s.Server.URL + sessionPathPrefix + id
}

func (s *ResumableStore) serveChunk(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[strings.TrimPrefix(r.URL.Path, sessionPathPrefix)]
	if !ok {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}

	req, err := parseChunkRequest(r, body)
	if err != nil {
		AppendErr(&s.violations, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess.chunks++
	req.Session = sess.id
	req.Number = sess.chunks
	s.requests = append(s.requests, req)

	if s.interceptor != nil {
		interceptor := s.interceptor
		s.mu.Unlock()
		handled := interceptor(w, req)
		s.mu.Lock()
		if handled {
			return
		}
	}

	if err := s.commit(sess, req); err != nil {
		AppendErr(&s.violations, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if sess.done {
		s.writeMetadata(w, sess.data)
		return
	}
	if len(sess.data) > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", len(sess.data)-1))
	}
	w.WriteHeader(http.StatusPermanentRedirect)
}

func (s *ResumableStore) commit(sess *session, req ChunkRequest) error {
	if sess.done {
		return fmt.Errorf("session %s: chunk %d after the object was finalized", sess.id, req.Number)
	}
	if req.Total != sess.contentLength {
		return fmt.Errorf("session %s: chunk %d declares total %d, session has %d", sess.id, req.Number, req.Total, sess.contentLength)
	}
	if req.ContentLength != int64(len(req.Body)) {
		return fmt.Errorf("session %s: chunk %d has Content-Length %d but %d body bytes", sess.id, req.Number, req.ContentLength, len(req.Body))
	}
	if len(req.Body) > 0 && req.Start != int64(len(sess.data)) {
		return fmt.Errorf("session %s: chunk %d starts at %d, committed %d", sess.id, req.Number, req.Start, len(sess.data))
	}

	sess.data = append(sess.data, req.Body...)
	if int64(len(sess.data)) == sess.contentLength {
		sess.done = true
		s.objects[sess.bucket+"/"+sess.name] = sess.data
	}
	return nil
}

func (s *ResumableStore) writeMetadata(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.Metadata(data))
}

func parseChunkRequest(r *http.Request, body []byte) (ChunkRequest, error) {
	contentRange := r.Header.Get("Content-Range")
	matches := contentRangeRegexp.FindStringSubmatch(contentRange)
	if matches == nil {
		return ChunkRequest{}, fmt.Errorf("malformed Content-Range %q", contentRange)
	}

	total, err := strconv.ParseInt(matches[3], 10, 64)
	if err != nil {
		return ChunkRequest{}, err
	}
	req := ChunkRequest{
		ContentRange:  contentRange,
		ContentLength: r.ContentLength,
		Total:         total,
		Body:          body,
	}
	if matches[1] == "" {
		req.Start = total
		req.End = total - 1
		return req, nil
	}

	if req.Start, err = strconv.ParseInt(matches[1], 10, 64); err != nil {
		return ChunkRequest{}, err
	}
	if req.End, err = strconv.ParseInt(matches[2], 10, 64); err != nil {
		return ChunkRequest{}, err
	}
	if req.End < req.Start || req.End >= total {
		return ChunkRequest{}, fmt.Errorf("invalid Content-Range %q", contentRange)
	}
	if req.End-req.Start+1 != int64(len(body)) {
		return ChunkRequest{}, fmt.Errorf("Content-Range %q does not match %d body bytes", contentRange, len(body))
	}
	return req, nil
}
