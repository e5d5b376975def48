package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-objectupload/network"
	"github.com/bitrise-io/go-utils/v2/log"
)

// SessionKey identifies the upload a recorded session belongs to.
type SessionKey struct {
	Bucket        string
	Object        string
	ContentLength int64
	ChunkSize     int64
	// ModTime of the source file, a modified file never continues an old session.
	ModTime time.Time
}

type sessionRecord struct {
	Bucket        string                  `json:"bucket"`
	Object        string                  `json:"object"`
	ContentLength int64                   `json:"content_length"`
	ChunkSize     int64                   `json:"chunk_size"`
	ModTime       time.Time               `json:"mod_time"`
	Session       network.ResumableUpload `json:"session"`
}

// SessionRecorder persists resumable upload sessions so a later run can continue them.
type SessionRecorder struct {
	dir    string
	logger log.Logger
}

// NewSessionRecorder ...
func NewSessionRecorder(dir string, logger log.Logger) *SessionRecorder {
	return &SessionRecorder{dir: dir, logger: logger}
}

// Load returns the recorded session for the key, or a new empty session if there is no usable record.
func (r *SessionRecorder) Load(key SessionKey) (*network.ResumableUpload, error) {
	data, err := os.ReadFile(r.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return &network.ResumableUpload{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session record: %w", err)
	}

	var record sessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		r.logger.Warnf("Ignoring corrupt session record %s: %s", r.path(key), err)
		return &network.ResumableUpload{}, nil
	}

	if record.ContentLength != key.ContentLength || record.ChunkSize != key.ChunkSize || !record.ModTime.Equal(key.ModTime) {
		r.logger.Debugf("Session record of %s belongs to a different version of the file, starting a new session", key.Object)
		return &network.ResumableUpload{}, nil
	}
	if record.Session.ByteOffset < 0 || record.Session.ByteOffset > key.ContentLength || record.Session.ByteOffset%key.ChunkSize != 0 {
		r.logger.Warnf("Ignoring session record of %s with invalid byte offset %d", key.Object, record.Session.ByteOffset)
		return &network.ResumableUpload{}, nil
	}

	session := record.Session
	return &session, nil
}

// Save records the session. The file is replaced atomically.
func (r *SessionRecorder) Save(key SessionKey, session *network.ResumableUpload) error {
	if err := os.MkdirAll(r.dir, 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(sessionRecord{
		Bucket:        key.Bucket,
		Object:        key.Object,
		ContentLength: key.ContentLength,
		ChunkSize:     key.ChunkSize,
		ModTime:       key.ModTime,
		Session:       *session,
	}, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(r.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), r.path(key))
}

// Delete removes the record of the key. A missing record is not an error.
func (r *SessionRecorder) Delete(key SessionKey) error {
	err := os.Remove(r.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (r *SessionRecorder) path(key SessionKey) string {
	sum := sha256.Sum256([]byte(key.Bucket + "/" + key.Object))
	return filepath.Join(r.dir, hex.EncodeToString(sum[:])+".json")
}
