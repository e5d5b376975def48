package upload

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	testutil "github.com/bitrise-io/go-objectupload/internal/testing"
	"github.com/bitrise-io/go-objectupload/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSessionKey() SessionKey {
	return SessionKey{
		Bucket:        "artifacts",
		Object:        "app.tar",
		ContentLength: 4 * mib,
		ChunkSize:     mib,
		ModTime:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSessionRecorder_RoundTrip(t *testing.T) {
	recorder := NewSessionRecorder(filepath.Join(t.TempDir(), "sessions"), testutil.NewLogger())
	key := testSessionKey()

	session, err := recorder.Load(key)
	require.NoError(t, err)
	assert.Equal(t, &network.ResumableUpload{}, session)

	require.NoError(t, recorder.Save(key, &network.ResumableUpload{URL: "https://example.com/s/1", ByteOffset: 2 * mib}))

	session, err = recorder.Load(key)
	require.NoError(t, err)
	assert.Equal(t, &network.ResumableUpload{URL: "https://example.com/s/1", ByteOffset: 2 * mib}, session)

	require.NoError(t, recorder.Delete(key))
	require.NoError(t, recorder.Delete(key))

	session, err = recorder.Load(key)
	require.NoError(t, err)
	assert.Empty(t, session.URL)
}

func TestSessionRecorder_IgnoresStaleRecords(t *testing.T) {
	tests := []struct {
		name   string
		modify func(key *SessionKey)
		offset int64
	}{
		{name: "file modified", modify: func(key *SessionKey) { key.ModTime = key.ModTime.Add(time.Second) }, offset: mib},
		{name: "size changed", modify: func(key *SessionKey) { key.ContentLength++ }, offset: mib},
		{name: "chunk size changed", modify: func(key *SessionKey) { key.ChunkSize = 2 * mib }, offset: mib},
		{name: "misaligned offset", modify: func(key *SessionKey) {}, offset: 1000},
		{name: "offset past the end", modify: func(key *SessionKey) {}, offset: 5 * mib},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := NewSessionRecorder(t.TempDir(), testutil.NewLogger())
			key := testSessionKey()
			require.NoError(t, recorder.Save(key, &network.ResumableUpload{URL: "https://example.com/s/1", ByteOffset: tt.offset}))

			tt.modify(&key)
			session, err := recorder.Load(key)
			require.NoError(t, err)
			assert.Equal(t, &network.ResumableUpload{}, session)
		})
	}
}

func TestSessionRecorder_CorruptRecord(t *testing.T) {
	dir := t.TempDir()
	logger := testutil.NewLogger()
	recorder := NewSessionRecorder(dir, logger)
	key := testSessionKey()
	require.NoError(t, os.WriteFile(recorder.path(key), []byte("{not json"), 0600))

	session, err := recorder.Load(key)
	require.NoError(t, err)
	assert.Equal(t, &network.ResumableUpload{}, session)
	assert.Len(t, logger.Warnings(), 1)
}
