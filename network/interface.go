package network

import (
	"context"
	"io"
	"time"
)

// Uploader uploads an object in a single request.
type Uploader interface {
	Upload(context.Context, UploadParams) (*Result, error)
}

// ResumableUploader uploads an object through a resumable upload session.
type ResumableUploader interface {
	ResumeUpload(context.Context, ResumeUploadParams) (*Result, error)
}

// Client is implemented by object stores supporting both upload modes.
type Client interface {
	Uploader
	ResumableUploader
}

// UploadParams ...
type UploadParams struct {
	Bucket        string
	Object        string
	ContentType   string
	ContentLength int64
	// Body yields ContentLength bytes. For resumed sessions it starts at Session.ByteOffset.
	Body io.Reader
}

// ResumeUploadParams ...
type ResumeUploadParams struct {
	UploadParams
	// Session is created by the caller and updated in place after every attempt.
	Session *ResumableUpload
	// ChunkSize defaults to the chunk size of the client. It must stay the same across attempts of a session.
	ChunkSize int64
}

// ResumableUpload is the state of a resumable upload kept between attempts.
type ResumableUpload struct {
	// URL is the session handle issued by the store. Empty until the first attempt.
	URL string `json:"url"`
	// ByteOffset is where the next attempt has to start reading the body.
	ByteOffset int64 `json:"byte_offset"`
	// Interruption describes how the last attempt ended, nil when it completed or none ran yet.
	Interruption *Interruption `json:"-"`
}

// Interruption is the outcome of an attempt that stopped before the object was complete.
type Interruption struct {
	Err error
	// ConfirmedRange is the last range header value the store sent in this attempt, verbatim.
	ConfirmedRange string
	// HasConfirmedRange is false when the attempt learned nothing about committed bytes.
	// ByteOffset of the session was left untouched in that case.
	HasConfirmedRange bool
	// LastConfirmedByte is the last committed byte, -1 without a confirmed range.
	LastConfirmedByte int64
}

// Result describes an uploaded object.
type Result struct {
	MD5Hash string
	CRC32C  string
	Created time.Time
	Updated time.Time
}
