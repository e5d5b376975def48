package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-objectupload/analytics"
	"github.com/bitrise-io/go-objectupload/network"
	"github.com/bitrise-io/go-objectupload/network/chunkuploader"
	"github.com/bitrise-io/go-objectupload/upload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	backendGCS   = "gcs"
	backendLocal = "local"
	backendS3    = "s3"
)

func newUploadCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload [paths...]",
		Short: "Upload files to a bucket",
		Long: `Upload files to a bucket. Paths can contain glob patterns (**/*.log) and ~.
Flags can also be set in the config file or as OBJUPLOAD_* environment variables,
for example OBJUPLOAD_CHUNK_SIZE=64MiB.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, v, args)
		},
	}

	f := cmd.Flags()
	f.String("bucket", "", "Destination bucket. Required.")
	f.String("prefix", "", "Prefix of the object names")
	f.String("content-type", "", "Content type of the objects, detected from the file extension if empty")
	f.String("chunk-size", units.BytesSize(float64(chunkuploader.DefaultChunkSize)), "Chunk size of resumable uploads, a multiple of 256KiB")
	f.Bool("resumable", true, "Upload in chunks through a resumable upload session")
	f.Uint("max-attempts", 3, "Upload attempts per file")
	f.Duration("retry-wait", 0, "Wait between attempts (default 5s)")
	f.String("state-dir", "", "Directory of the resumable session records")
	f.String("backend", backendGCS, "Storage backend: gcs, local or s3")
	f.String("local-dir", ".", "Root directory of the local backend")
	f.String("storage-domain", network.DefaultStorageDomain, "Storage API domain of the gcs backend")
	f.String("access-token", "", "OAuth2 access token sent to the gcs backend")
	f.String("s3-region", "", "Region of the s3 backend")
	f.Bool("analytics", false, "Send upload events to the analytics service")
	_ = v.BindPFlags(f)

	return cmd
}

func runUpload(cmd *cobra.Command, v *viper.Viper, paths []string) error {
	flags := newFlagLoader(cmd, v)
	chunkSize, err := parseChunkSize(flags.String("chunk-size"))
	if err != nil {
		return err
	}

	logger := log.NewLogger()
	logger.EnableDebugLog(flags.Bool("debug"))
	envRepo := env.NewRepository()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := flags.String("backend")
	client, err := newClient(ctx, backend, flags, chunkSize, envRepo, logger)
	if err != nil {
		return err
	}

	tracker := analytics.NewNoopUploadTracker()
	if flags.Bool("analytics") {
		tracker = analytics.NewDefaultUploadTracker(envRepo, logger)
	}
	defer tracker.Wait()

	input := upload.Input{
		Paths:       paths,
		Bucket:      flags.String("bucket"),
		Prefix:      flags.String("prefix"),
		ContentType: flags.String("content-type"),
		ChunkSize:   chunkSize,
		Resumable:   flags.Bool("resumable"),
		MaxAttempts: flags.Uint("max-attempts"),
		RetryWait:   flags.Duration("retry-wait"),
		StateDir:    flags.String("state-dir"),
	}
	if backend == backendS3 && input.Resumable {
		logger.Warnf("The s3 backend has no resumable uploads, uploading every file in a single request")
		input.Resumable = false
	}

	results, err := upload.NewUploader(client, envRepo, logger, tracker).Upload(ctx, input)
	for _, result := range results {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", result.Object, result.Result.MD5Hash, result.Result.CRC32C)
	}
	if err != nil {
		logger.Errorf("%s", err)
		return err
	}

	logger.Println()
	logger.Donef("Uploaded %d files", len(results))
	return nil
}

func newClient(ctx context.Context, backend string, flags *flagLoader, chunkSize int64, envRepo env.Repository, logger log.Logger) (network.Uploader, error) {
	switch backend {
	case backendGCS:
		httpClient := chunkuploader.DefaultHTTPClient()
		if token := flags.String("access-token"); token != "" {
			httpClient.Transport = &bearerTransport{token: token, base: httpClient.Transport}
		}
		client, err := network.NewHTTPClient(network.HTTPClientParams{
			StorageDomain: flags.String("storage-domain"),
			Chunks:        chunkuploader.Config{ChunkSize: chunkSize, HTTPClient: httpClient},
		}, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	case backendLocal:
		return network.NewLocalClient(flags.String("local-dir"), logger), nil
	case backendS3:
		return network.NewS3Client(ctx, s3ClientParams(flags, envRepo), logger)
	default:
		return nil, fmt.Errorf("unknown backend %q, expected %s, %s or %s", backend, backendGCS, backendLocal, backendS3)
	}
}

func s3ClientParams(flags *flagLoader, envRepo env.Repository) network.S3ClientParams {
	return network.S3ClientParams{
		Region:          flags.String("s3-region"),
		AccessKeyID:     envRepo.Get("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: envRepo.Get("AWS_SECRET_ACCESS_KEY"),
	}
}

func parseChunkSize(value string) (int64, error) {
	size, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk size: %w", err)
	}
	if err := (chunkuploader.Config{ChunkSize: size}).Validate(); err != nil {
		return 0, err
	}
	return size, nil
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
