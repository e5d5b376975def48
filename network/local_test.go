package network

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	testutil "github.com/bitrise-io/go-objectupload/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalClient_Upload(t *testing.T) {
	dir := t.TempDir()
	client := NewLocalClient(dir, testutil.NewLogger())
	data := testutil.RandomContent(4096)

	result, err := client.Upload(context.Background(), UploadParams{
		Bucket:        "artifacts",
		Object:        "nested/app.tar",
		ContentLength: int64(len(data)),
		Body:          bytes.NewReader(data),
	})
	require.NoError(t, err)

	assert.Equal(t, &Result{
		MD5Hash: "md5Hash",
		CRC32C:  "crc32c",
		Created: time.Unix(0, 0).UTC(),
		Updated: time.Unix(0, 0).UTC(),
	}, result)
	assert.NoError(t, testutil.NewFileChecker(filepath.Join(dir, "artifacts", "nested", "app.tar")).IsFile().Content(data).Check())
}

func TestLocalClient_Upload_LengthMismatch(t *testing.T) {
	client := NewLocalClient(t.TempDir(), testutil.NewLogger())

	_, err := client.Upload(context.Background(), UploadParams{
		Bucket:        "artifacts",
		Object:        "app.tar",
		ContentLength: 10,
		Body:          bytes.NewReader([]byte("abc")),
	})
	assert.Error(t, err)
}

func TestLocalClient_ResumeUpload(t *testing.T) {
	dir := t.TempDir()
	client := NewLocalClient(dir, testutil.NewLogger())
	data := testutil.RandomContent(3 * mib)
	session := &ResumableUpload{}

	result, err := client.ResumeUpload(context.Background(), resumeParams(data, 0, session))
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, int64(len(data)), session.ByteOffset)
	assert.NotEmpty(t, session.URL)
	assert.NoError(t, testutil.NewFileChecker(filepath.Join(dir, "artifacts", "build", "app.tar")).Size(int64(len(data))).Content(data).Check())

	_, err = client.ResumeUpload(context.Background(), resumeParams(data, mib, &ResumableUpload{ByteOffset: mib}))
	assert.Error(t, err)
}
