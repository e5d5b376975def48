package upload

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-objectupload/analytics"
	"github.com/bitrise-io/go-objectupload/nametemplate"
	"github.com/bitrise-io/go-objectupload/network"
	"github.com/bitrise-io/go-objectupload/network/chunkuploader"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

const (
	// StateDirEnvKey overrides the default directory of session records.
	StateDirEnvKey = "OBJUPLOAD_STATE_DIR"

	defaultContentType = "application/octet-stream"
	defaultMaxAttempts = 3
	defaultRetryWait   = 5 * time.Second
)

// Input describes a batch of files to upload into one bucket.
type Input struct {
	Paths  []string
	Bucket string
	// Prefix is prepended to the object names, separated by a slash.
	// It can be a template, see the nametemplate package.
	Prefix string
	// WorkingDir resolves the checksum patterns of a Prefix template, the current directory if empty.
	WorkingDir string
	// ContentType overrides the type detected from the file extension.
	ContentType string
	// ChunkSize of resumable uploads, chunkuploader.DefaultChunkSize if 0.
	ChunkSize int64
	Resumable bool
	// MaxAttempts per file, 3 if 0.
	MaxAttempts uint
	// RetryWait between attempts, 5s if 0.
	RetryWait time.Duration
	// StateDir keeps the session records of resumable uploads. Defaults to $OBJUPLOAD_STATE_DIR,
	// then to objupload/sessions in the user cache directory.
	StateDir string
}

// FileResult ...
type FileResult struct {
	Path     string
	Object   string
	Size     int64
	Attempts uint
	Result   *network.Result
}

type uploadConfig struct {
	Bucket      string
	Prefix      string
	ContentType string
	ChunkSize   int64
	Resumable   bool
	MaxAttempts uint
	RetryWait   time.Duration
	StateDir    string
	Files       []sourceFile
}

type sourceFile struct {
	Path string
	// Name is the object name without the prefix.
	Name string
}

// Uploader uploads local files with a network client.
type Uploader struct {
	client       network.Uploader
	envRepo      env.Repository
	logger       log.Logger
	tracker      *analytics.UploadTracker
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
}

// NewUploader creates an uploader. `tracker` can be nil, events are dropped in that case.
func NewUploader(client network.Uploader, envRepo env.Repository, logger log.Logger, tracker *analytics.UploadTracker) *Uploader {
	if tracker == nil {
		tracker = analytics.NewNoopUploadTracker()
	}
	return &Uploader{
		client:       client,
		envRepo:      envRepo,
		logger:       logger,
		tracker:      tracker,
		pathModifier: pathutil.NewPathModifier(),
		pathChecker:  pathutil.NewPathChecker(),
	}
}

// Upload uploads every file the input paths resolve to. It stops at the first file that could not be uploaded.
func (u *Uploader) Upload(ctx context.Context, input Input) ([]FileResult, error) {
	u.logger.TDebugf("Upload start")
	defer func() {
		u.logger.TDebugf("Upload done")
	}()

	config, err := u.createConfig(input)
	if err != nil {
		return nil, fmt.Errorf("failed to parse inputs: %w", err)
	}
	if len(config.Files) == 0 {
		return nil, fmt.Errorf("no files to upload")
	}

	var results []FileResult
	for _, file := range config.Files {
		result, err := u.uploadFile(ctx, file, config)
		if err != nil {
			return results, fmt.Errorf("upload %s: %w", file.Path, err)
		}
		results = append(results, result)
	}

	return results, nil
}

func (u *Uploader) createConfig(input Input) (uploadConfig, error) {
	if strings.TrimSpace(input.Bucket) == "" {
		return uploadConfig{}, fmt.Errorf("bucket should not be empty")
	}
	if len(input.Paths) == 0 {
		return uploadConfig{}, fmt.Errorf("paths should not be empty")
	}

	if input.ChunkSize == 0 {
		input.ChunkSize = chunkuploader.DefaultChunkSize
	}
	if err := (chunkuploader.Config{ChunkSize: input.ChunkSize}).Validate(); err != nil {
		return uploadConfig{}, err
	}
	if input.MaxAttempts == 0 {
		input.MaxAttempts = defaultMaxAttempts
	}
	if input.RetryWait == 0 {
		input.RetryWait = defaultRetryWait
	}

	stateDir := input.StateDir
	if stateDir == "" {
		stateDir = u.envRepo.Get(StateDirEnvKey)
	}
	if stateDir == "" && input.Resumable {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return uploadConfig{}, fmt.Errorf("no state dir provided and no user cache dir: %w", err)
		}
		stateDir = filepath.Join(cacheDir, "objupload", "sessions")
	}
	if stateDir != "" {
		absStateDir, err := u.pathModifier.AbsPath(stateDir)
		if err != nil {
			return uploadConfig{}, err
		}
		stateDir = absStateDir
	}

	prefix := input.Prefix
	if strings.Contains(prefix, "{{") {
		u.logger.Printf("Evaluating prefix template: %s", prefix)
		workingDir := input.WorkingDir
		if workingDir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return uploadConfig{}, err
			}
			workingDir = wd
		}
		evaluated, err := nametemplate.NewModel(os.DirFS(workingDir), u.envRepo, u.logger).Evaluate(prefix)
		if err != nil {
			return uploadConfig{}, fmt.Errorf("failed to evaluate prefix template: %w", err)
		}
		prefix = evaluated
	}

	files, err := u.evaluatePaths(input.Paths)
	if err != nil {
		return uploadConfig{}, fmt.Errorf("failed to parse paths: %w", err)
	}

	return uploadConfig{
		Bucket:      input.Bucket,
		Prefix:      strings.Trim(prefix, "/"),
		ContentType: input.ContentType,
		ChunkSize:   input.ChunkSize,
		Resumable:   input.Resumable,
		MaxAttempts: input.MaxAttempts,
		RetryWait:   input.RetryWait,
		StateDir:    stateDir,
		Files:       files,
	}, nil
}

func (u *Uploader) evaluatePaths(paths []string) ([]sourceFile, error) {
	// Expand wildcard paths
	var expanded []sourceFile
	for _, pth := range paths {
		if !strings.Contains(pth, "*") {
			expanded = append(expanded, sourceFile{Path: pth, Name: filepath.Base(pth)})
			continue
		}

		base, pattern := doublestar.SplitPattern(filepath.ToSlash(pth))
		absBase, err := u.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern)
		if err != nil {
			u.logger.Warnf("Error in path pattern '%s': %s", pth, err)
			continue
		}
		if len(matches) == 0 {
			u.logger.Warnf("No match for path pattern: %s", pth)
			continue
		}

		for _, match := range matches {
			expanded = append(expanded, sourceFile{Path: filepath.Join(absBase, match), Name: match})
		}
	}

	// Validate and sanitize paths
	var files []sourceFile
	seen := map[string]bool{}
	for _, file := range expanded {
		absPath, err := u.pathModifier.AbsPath(file.Path)
		if err != nil {
			u.logger.Warnf("Failed to parse path %s, error: %s", file.Path, err)
			continue
		}

		exists, err := u.pathChecker.IsPathExists(absPath)
		if err != nil {
			u.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			u.logger.Warnf("Path doesn't exist: %s", file.Path)
			continue
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			u.logger.Warnf("Skipping directory: %s", file.Path)
			continue
		}
		if seen[absPath] {
			continue
		}
		seen[absPath] = true

		files = append(files, sourceFile{Path: absPath, Name: file.Name})
	}

	return files, nil
}

func (u *Uploader) uploadFile(ctx context.Context, file sourceFile, config uploadConfig) (FileResult, error) {
	info, err := os.Stat(file.Path)
	if err != nil {
		return FileResult{}, err
	}

	object := objectName(config.Prefix, file.Name)
	params := network.UploadParams{
		Bucket:        config.Bucket,
		Object:        object,
		ContentType:   detectContentType(config.ContentType, file.Path),
		ContentLength: info.Size(),
	}

	u.logger.Println()
	u.logger.Infof("Uploading %s (%s) to %s/%s", file.Path, units.HumanSizeWithPrecision(float64(info.Size()), 3), config.Bucket, object)
	u.logger.Debugf("Content type: %s", params.ContentType)

	startTime := time.Now()
	var result *network.Result
	var attempts uint
	if config.Resumable {
		result, attempts, err = u.resumableUpload(ctx, file.Path, info.ModTime(), params, config)
	} else {
		result, attempts, err = u.singleUpload(ctx, file.Path, params, config)
	}
	if err != nil {
		u.tracker.LogUploadFailed(info.Size(), attempts)
		return FileResult{}, err
	}

	uploadTime := time.Since(startTime)
	u.tracker.LogFileUploaded(uploadTime, info.Size(), attempts, config.Resumable)
	u.logger.Donef("Uploaded %s in %s", object, uploadTime.Round(time.Millisecond))
	u.logger.Debugf("MD5: %s, CRC32C: %s", result.MD5Hash, result.CRC32C)

	return FileResult{
		Path:     file.Path,
		Object:   object,
		Size:     info.Size(),
		Attempts: attempts,
		Result:   result,
	}, nil
}

func (u *Uploader) singleUpload(ctx context.Context, pth string, params network.UploadParams, config uploadConfig) (*network.Result, uint, error) {
	var result *network.Result
	var attempts uint
	err := retry.Times(config.MaxAttempts-1).Wait(config.RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		attempts++
		if attempt > 0 {
			u.logger.Infof("Retrying upload (attempt %d of %d)...", attempt+1, config.MaxAttempts)
		}

		file, err := os.Open(pth)
		if err != nil {
			return fmt.Errorf("open file: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		params.Body = file
		result, err = u.client.Upload(ctx, params)
		if err != nil {
			u.logger.Warnf("Upload attempt failed: %s", err)
			return err, ctx.Err() != nil
		}
		return nil, false
	})

	return result, attempts, err
}

func (u *Uploader) resumableUpload(ctx context.Context, pth string, modTime time.Time, params network.UploadParams, config uploadConfig) (*network.Result, uint, error) {
	client, ok := u.client.(network.ResumableUploader)
	if !ok {
		return nil, 0, fmt.Errorf("the storage backend does not support resumable uploads")
	}

	recorder := NewSessionRecorder(config.StateDir, u.logger)
	key := SessionKey{
		Bucket:        params.Bucket,
		Object:        params.Object,
		ContentLength: params.ContentLength,
		ChunkSize:     config.ChunkSize,
		ModTime:       modTime,
	}
	session, err := recorder.Load(key)
	if err != nil {
		return nil, 0, err
	}
	if session.URL != "" {
		u.logger.Printf("Continuing recorded upload session from %s", units.HumanSizeWithPrecision(float64(session.ByteOffset), 3))
	}

	var result *network.Result
	var attempts uint
	err = retry.Times(config.MaxAttempts-1).Wait(config.RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		attempts++
		attemptID := uuid.NewString()
		if attempt > 0 {
			u.logger.Infof("Resuming upload from %s (attempt %d of %d)...",
				units.HumanSizeWithPrecision(float64(session.ByteOffset), 3), attempt+1, config.MaxAttempts)
		}
		u.logger.Debugf("Attempt %s starts at offset %d", attemptID, session.ByteOffset)

		res, err := u.resumeAttempt(ctx, client, pth, params, session, config.ChunkSize)
		if errors.Is(err, chunkuploader.ErrMisalignedOffset) {
			if deleteErr := recorder.Delete(key); deleteErr != nil {
				u.logger.Warnf("Failed to delete upload session record: %s", deleteErr)
			}
			return fmt.Errorf("the store confirmed %d bytes, not a multiple of the %d byte chunk size, the session cannot be resumed: %w",
				session.ByteOffset, config.ChunkSize, err), true
		}
		if err != nil {
			return err, true
		}
		if res != nil {
			result = res
			return nil, false
		}

		interruption := session.Interruption
		u.tracker.LogUploadInterrupted(session.ByteOffset, params.ContentLength, interruption.HasConfirmedRange)
		if isSessionGone(interruption.Err) {
			u.logger.Warnf("Upload session expired, starting a new one")
			*session = network.ResumableUpload{Interruption: interruption}
		}
		if err := recorder.Save(key, session); err != nil {
			u.logger.Warnf("Failed to record upload session: %s", err)
		}
		u.logger.Debugf("Attempt %s interrupted, next offset: %d", attemptID, session.ByteOffset)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("upload interrupted: %w", interruption.Err), true
		}
		return fmt.Errorf("upload interrupted: %w", interruption.Err), false
	})
	if err != nil {
		return nil, attempts, err
	}

	if err := recorder.Delete(key); err != nil {
		u.logger.Warnf("Failed to delete upload session record: %s", err)
	}
	return result, attempts, nil
}

func (u *Uploader) resumeAttempt(ctx context.Context, client network.ResumableUploader, pth string, params network.UploadParams, session *network.ResumableUpload, chunkSize int64) (*network.Result, error) {
	file, err := os.Open(pth)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	if _, err := file.Seek(session.ByteOffset, 0); err != nil {
		return nil, fmt.Errorf("seek to offset %d: %w", session.ByteOffset, err)
	}

	params.Body = file
	return client.ResumeUpload(ctx, network.ResumeUploadParams{
		UploadParams: params,
		Session:      session,
		ChunkSize:    chunkSize,
	})
}

func isSessionGone(err error) bool {
	var statusErr *chunkuploader.StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode == http.StatusNotFound || statusErr.StatusCode == http.StatusGone
}

func objectName(prefix, name string) string {
	name = filepath.ToSlash(name)
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

func detectContentType(explicit, pth string) string {
	if explicit != "" {
		return explicit
	}
	if contentType := mime.TypeByExtension(filepath.Ext(pth)); contentType != "" {
		return contentType
	}
	return defaultContentType
}
