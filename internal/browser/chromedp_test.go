package browser

import (
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	c := NewChromedp(Config{Headless: true})
	defer c.Close()
	require.Equal(t, 45*time.Second, c.cfg.NavigationTimeout)
	require.Equal(t, 5*time.Second, c.cfg.ActionTimeout)
	require.Equal(t, 500*time.Millisecond, c.cfg.SettleDelay)
}

func TestButtonXPath(t *testing.T) {
	t.Parallel()

	require.Equal(t, "//button[normalize-space(.)='Accept all cookies']", ButtonXPath("Accept all cookies"))
	require.Equal(t, `//button[normalize-space(.)="I'm in"]`, ButtonXPath("I'm in"))
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeScript,
		Response: &network.Response{
			Status: 500,
			URL:    "https://cdn.example.com/app.js",
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			URL:     "https://www.ocado.com/products/1",
			Headers: network.Headers{"X-Cache": "HIT", "Set-Cookie": []any{"a=1", "b=2"}},
		},
	})

	status, headers, url := meta.snapshotWithFallbacks("")
	require.Equal(t, 203, status)
	require.Equal(t, "HIT", headers.Get("X-Cache"))
	require.Len(t, headers.Values("Set-Cookie"), 2)
	require.Equal(t, "https://www.ocado.com/products/1", url)

	_, _, url = meta.snapshotWithFallbacks("https://www.ocado.com/products/1-redirected")
	require.Equal(t, "https://www.ocado.com/products/1-redirected", url)

	meta.reset()
	status, _, url = meta.snapshotWithFallbacks("")
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, url)
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	got := toNetworkHeaders(http.Header{
		"Accept-Language": {"en-GB"},
		"X-Multi":         {"a", "b"},
		"X-Empty":         {},
	})
	require.Equal(t, "en-GB", got["Accept-Language"])
	require.Equal(t, []string{"a", "b"}, got["X-Multi"])
	_, ok := got["X-Empty"]
	require.False(t, ok)
}
