// Package drive implements the remote file store client used by the
// conversion pipeline. The API follows the Microsoft Graph drive item
// conventions: item metadata, streamed content, child listings and resumable
// upload sessions fed with ordered byte ranges.
package drive

import (
	"context"
	"fmt"
	"io"
)

// Item is the remote metadata of a drive item.
type Item struct {
	ID       string
	Name     string
	ParentID string
	Size     int64
	IsFolder bool
}

// Store is the remote file store interface consumed by the pipeline stages.
type Store interface {
	// GetItem returns the metadata of a single item.
	GetItem(ctx context.Context, refreshToken, itemID string) (*Item, error)
	// ListChildren returns the direct children of a folder item.
	ListChildren(ctx context.Context, refreshToken, itemID string) ([]Item, error)
	// GetContent opens the content stream of an item. The returned length is
	// -1 when the remote does not report one.
	GetContent(ctx context.Context, refreshToken, itemID string) (io.ReadCloser, int64, error)
	// CreateUploadSession starts a resumable upload under parentID and
	// returns the session URL that byte ranges are sent to.
	CreateUploadSession(ctx context.Context, refreshToken, parentID, name string) (string, error)
	// UploadRange sends one contiguous byte range to an upload session URL.
	UploadRange(ctx context.Context, uploadURL string, data []byte, offset, totalSize int64) error
}

// TokenSource exchanges a long-lived refresh token for a bearer token. It is
// called fresh on every remote-store operation.
type TokenSource interface {
	Exchange(ctx context.Context, refreshToken string) (string, error)
}

// StatusError is returned when the remote store answers with an unexpected
// HTTP status.
type StatusError struct {
	Code int
	Op   string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
}
