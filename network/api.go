package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/bitrise-io/go-objectupload/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultStorageDomain is the storage API the HTTP client talks to by default.
const DefaultStorageDomain = "https://storage.googleapis.com"

// HTTPClientParams ...
type HTTPClientParams struct {
	// StorageDomain defaults to DefaultStorageDomain.
	StorageDomain string
	// Chunks configures resumable uploads. Its HTTP client sends every request and is expected to authorize them.
	// Unset fields are taken from chunkuploader.DefaultConfig.
	Chunks chunkuploader.Config
}

// HTTPClient uploads objects to the storage JSON API.
type HTTPClient struct {
	storageDomain string
	chunkSize     int64
	apiClient     *retryablehttp.Client
	httpClient    *http.Client
	logger        log.Logger
}

// NewHTTPClient ...
func NewHTTPClient(params HTTPClientParams, logger log.Logger) (*HTTPClient, error) {
	storageDomain := params.StorageDomain
	if storageDomain == "" {
		storageDomain = DefaultStorageDomain
	}

	config := params.Chunks
	if config.ChunkSize == 0 || config.HTTPClient == nil {
		defaults := chunkuploader.DefaultConfig()
		if config.ChunkSize == 0 {
			config.ChunkSize = defaults.ChunkSize
		}
		if config.HTTPClient == nil {
			config.HTTPClient = defaults.HTTPClient
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	apiClient := retryhttp.NewClient(logger)
	apiClient.HTTPClient = config.HTTPClient

	return &HTTPClient{
		storageDomain: storageDomain,
		chunkSize:     config.ChunkSize,
		apiClient:     apiClient,
		httpClient:    config.HTTPClient,
		logger:        logger,
	}, nil
}

// Upload sends the whole body in a single request. Nothing is retried, the body can only be read once.
func (c *HTTPClient) Upload(ctx context.Context, params UploadParams) (*Result, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	body := params.Body
	if params.ContentLength == 0 {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.objectURL(params.Bucket, params.Object, "media"), body)
	if err != nil {
		return nil, fmt.Errorf("create upload request: %w", err)
	}
	req.ContentLength = params.ContentLength
	req.Header.Set("Content-Type", params.ContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", params.Object, err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, unwrapError(resp)
	}

	var metadata chunkuploader.ObjectMetadata
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return newResult(metadata)
}

// initiateSession opens a resumable upload session and returns its URL.
func (c *HTTPClient) initiateSession(ctx context.Context, params UploadParams) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.objectURL(params.Bucket, params.Object, "resumable"), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Upload-Content-Type", params.ContentType)
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(params.ContentLength, 10))

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Session request dump: %s", string(dump))

	resp, err := c.apiClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", unwrapError(resp)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("no session URL in the Location header")
	}
	return location, nil
}

func (c *HTTPClient) objectURL(bucket, object, uploadType string) string {
	return fmt.Sprintf("%s/upload/storage/v1/b/%s/o?uploadType=%s&name=%s",
		c.storageDomain, url.PathEscape(bucket), uploadType, url.QueryEscape(object))
}

func validateParams(params UploadParams) error {
	if params.Bucket == "" {
		return fmt.Errorf("bucket must not be empty")
	}
	if params.Object == "" {
		return fmt.Errorf("object name must not be empty")
	}
	if params.ContentLength < 0 {
		return fmt.Errorf("content length must not be negative")
	}
	if params.Body == nil {
		return fmt.Errorf("body must not be nil")
	}
	return nil
}

func newResult(metadata chunkuploader.ObjectMetadata) (*Result, error) {
	created, err := parseTimestamp(metadata.TimeCreated)
	if err != nil {
		return nil, fmt.Errorf("parse creation time: %w", err)
	}
	updated, err := parseTimestamp(metadata.Updated)
	if err != nil {
		return nil, fmt.Errorf("parse update time: %w", err)
	}

	return &Result{
		MD5Hash: metadata.MD5Hash,
		CRC32C:  metadata.CRC32C,
		Created: created,
		Updated: updated,
	}, nil
}

func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return err
	}
	return &chunkuploader.StatusError{StatusCode: resp.StatusCode, Body: string(errorResp)}
}
