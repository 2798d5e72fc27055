// Package browser wraps the headless browser used to render retailer pages.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Snapshot is the rendered state of the current page.
type Snapshot struct {
	URL        string
	StatusCode int
	Header     http.Header
	HTML       string
}

// Session is one browser tab. Sessions are not safe for concurrent use.
type Session interface {
	Navigate(ctx context.Context, url string) error
	// ClickIfPresent clicks the first element matching xpath. It reports
	// false without error when nothing matches.
	ClickIfPresent(ctx context.Context, xpath string) (bool, error)
	ScrollBy(ctx context.Context, pixels int) error
	Snapshot(ctx context.Context) (Snapshot, error)
	Close() error
}

// SessionFactory opens sessions.
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}

// ButtonXPath matches a button by its visible label.
func ButtonXPath(label string) string {
	return fmt.Sprintf("//button[normalize-space(.)=%s]", xpathLiteral(label))
}

func xpathLiteral(s string) string {
	if !strings.Contains(s, `'`) {
		return "'" + s + "'"
	}
	return `"` + s + `"`
}
