// Package storage defines the blob store that keeps failure-page snapshots.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// BlobStore writes an object and returns a URI that locates it.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// SnapshotContentType is the content type of stored page snapshots.
const SnapshotContentType = "text/html; charset=utf-8"

// SnapshotPath lays out the object path of a failure snapshot:
// snapshots/{requestId}/{itemId}-{unix nanos}.html. Path separators in the
// ids are replaced so every snapshot stays under its request prefix.
func SnapshotPath(requestID, itemID string, at time.Time) string {
	clean := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return fmt.Sprintf("snapshots/%s/%s-%d.html",
		clean.Replace(requestID),
		clean.Replace(itemID),
		at.UnixNano(),
	)
}
