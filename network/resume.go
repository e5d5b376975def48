package network

import (
	"context"
	"fmt"
	"io"

	"github.com/bitrise-io/go-objectupload/network/chunkuploader"
	"github.com/docker/go-units"
)

// ResumeUpload runs one attempt of a resumable upload.
//
// A session without URL is initiated first. The body has to start at params.Session.ByteOffset.
// When the attempt is interrupted the session is updated to the last confirmed byte and (nil, nil) is returned,
// the caller decides whether to run another attempt with the same session.
func (c *HTTPClient) ResumeUpload(ctx context.Context, params ResumeUploadParams) (*Result, error) {
	if err := validateParams(params.UploadParams); err != nil {
		return nil, err
	}
	if params.Session == nil {
		return nil, fmt.Errorf("%w: session must not be nil", chunkuploader.ErrInvalidArgument)
	}
	chunkSize := c.chunkSize
	if params.ChunkSize != 0 {
		if err := (chunkuploader.Config{ChunkSize: params.ChunkSize}).Validate(); err != nil {
			return nil, err
		}
		chunkSize = params.ChunkSize
	}

	session := params.Session
	if session.URL == "" {
		url, err := c.initiateSession(ctx, params.UploadParams)
		if err != nil {
			return nil, fmt.Errorf("initiate upload session for %s: %w", params.Object, err)
		}
		c.logger.Debugf("Upload session created for %s", params.Object)
		session.URL = url
		session.ByteOffset = 0
	}

	writer, err := chunkuploader.NewWriter(ctx, c.httpClient, session.URL, chunkSize, params.ContentLength, session.ByteOffset, c.logger)
	if err != nil {
		return nil, err
	}

	c.logger.Debugf("Uploading %s of %s from offset %d", units.HumanSizeWithPrecision(float64(params.ContentLength-session.ByteOffset), 3), params.Object, session.ByteOffset)

	if err := copyToWriter(writer, params.Body); err != nil {
		c.interrupt(params.Object, session, writer, err)
		return nil, nil
	}

	metadata := writer.Metadata()
	if metadata == nil {
		return nil, fmt.Errorf("upload of %s finished without object metadata", params.Object)
	}
	result, err := newResult(*metadata)
	if err != nil {
		return nil, err
	}

	session.ByteOffset = params.ContentLength
	session.Interruption = nil

	stats := writer.Stats()
	c.logger.Debugf("Uploaded %s: %s in %d chunks (%d requests), chunk time total: %s, average: %s",
		params.Object, units.HumanSizeWithPrecision(float64(stats.Bytes()), 3), stats.FinishedCount(), writer.Requests(),
		stats.TotalDuration(), stats.Average())

	return result, nil
}

func copyToWriter(writer *chunkuploader.Writer, body io.Reader) error {
	if _, err := io.Copy(writer, body); err != nil {
		writer.Cancel()
		return err
	}
	return writer.Close()
}

func (c *HTTPClient) interrupt(object string, session *ResumableUpload, writer *chunkuploader.Writer, err error) {
	c.logger.Warnf("Upload interrupted for file %s. Reason: %s", object, err)

	interruption := &Interruption{
		Err:               err,
		ConfirmedRange:    writer.ConfirmedRange(),
		LastConfirmedByte: -1,
	}
	if interruption.ConfirmedRange != "" {
		end, parseErr := chunkuploader.ParseConfirmedRange(interruption.ConfirmedRange)
		if parseErr != nil {
			c.logger.Debugf("Ignoring confirmed range: %s", parseErr)
		} else {
			interruption.HasConfirmedRange = true
			interruption.LastConfirmedByte = end
			session.ByteOffset = end + 1
		}
	}

	session.Interruption = interruption
}
