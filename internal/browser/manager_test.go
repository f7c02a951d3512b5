// internal/browser/manager_test.go
package browser

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
	"github.com/xkilldash9x/atlas-cli/internal/config"
)

func flagValue(flags []launchFlag, name string) (interface{}, bool) {
	var (
		value interface{}
		found bool
	)
	// Later flags override earlier ones, as they do in chromedp.
	for _, f := range flags {
		if f.name == name {
			value, found = f.value, true
		}
	}
	return value, found
}

func TestLaunchFlags(t *testing.T) {
	t.Run("Headless", func(t *testing.T) {
		flags := launchFlags(config.BrowserConfig{Headless: true})
		v, ok := flagValue(flags, "headless")
		require.True(t, ok)
		assert.Equal(t, true, v)
		v, _ = flagValue(flags, "enable-automation")
		assert.Equal(t, false, v, "automation banner must be removed")
		v, _ = flagValue(flags, "disable-blink-features")
		assert.Equal(t, "AutomationControlled", v)
	})

	t.Run("Headful", func(t *testing.T) {
		flags := launchFlags(config.BrowserConfig{Headless: false})
		v, _ := flagValue(flags, "headless")
		assert.Equal(t, false, v)
		v, _ = flagValue(flags, "disable-gpu")
		assert.Equal(t, false, v)
	})

	t.Run("IgnoreTLSErrors", func(t *testing.T) {
		v, _ := flagValue(launchFlags(config.BrowserConfig{IgnoreTLSErrors: true}), "ignore-certificate-errors")
		assert.Equal(t, true, v)
	})

	t.Run("CustomArgs", func(t *testing.T) {
		flags := launchFlags(config.BrowserConfig{Args: []string{"--lang=de-DE", "--kiosk"}})
		v, ok := flagValue(flags, "lang")
		require.True(t, ok)
		assert.Equal(t, "de-DE", v)
		v, ok = flagValue(flags, "kiosk")
		require.True(t, ok)
		assert.Equal(t, true, v)
	})

	t.Run("AllocatorOptionsIncludeDefaults", func(t *testing.T) {
		cfg := config.BrowserConfig{Headless: true, Viewport: map[string]int{"width": 1280, "height": 800}}
		opts := buildAllocatorOptions(cfg)
		// defaults + layered flags + window size
		assert.Greater(t, len(opts), len(launchFlags(cfg)))
	})
}

func TestPickTab(t *testing.T) {
	infos := []*target.Info{
		{TargetID: "sw", Type: "service_worker", URL: "https://example.com/sw.js"},
		{TargetID: "ext", Type: "page", URL: "chrome-extension://abc/popup.html"},
		{TargetID: "set", Type: "page", URL: "chrome://settings"},
		{TargetID: "dev", Type: "page", URL: "devtools://devtools/bundled/inspector.html"},
		{TargetID: "news", Type: "page", URL: "https://news.ycombinator.com", Title: "Hacker News"},
		{TargetID: "later", Type: "page", URL: "https://example.com"},
	}

	tab, ok := pickTab(infos)
	require.True(t, ok)
	assert.Equal(t, schemas.TabHandle{ID: "news", URL: "https://news.ycombinator.com", Title: "Hacker News"}, tab)

	_, ok = pickTab(infos[:4])
	assert.False(t, ok, "internal pages are never controllable")

	assert.True(t, isControllable(&target.Info{Type: "page", URL: "about:blank"}))
	assert.False(t, isControllable(nil))
}

func TestCaptureLimiter(t *testing.T) {
	unlimited := newCaptureLimiter(config.CaptureConfig{})
	for i := 0; i < 10; i++ {
		assert.True(t, unlimited.Allow())
	}

	limited := newCaptureLimiter(config.CaptureConfig{QuotaPerSecond: 1})
	assert.True(t, limited.Allow())
	assert.False(t, limited.Allow(), "a second capture in the same instant exceeds the quota")
}

// TestManager_Integration drives a real browser. It needs Chrome and is
// opt-in via ATLAS_BROWSER_TESTS=1.
func TestManager_Integration(t *testing.T) {
	if os.Getenv("ATLAS_BROWSER_TESTS") == "" {
		t.Skip("set ATLAS_BROWSER_TESTS=1 to run browser integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := config.NewDefaultConfig()
	m, err := NewManager(ctx, cfg.Browser(), cfg.Capture(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		assert.NoError(t, m.Shutdown(shutdownCtx))
	}()

	tab, err := m.Resolve(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Navigate(ctx, tab, "data:text/html,<input id=q autofocus><p>needle</p>"))
	current, err := m.CurrentURL(ctx, tab)
	require.NoError(t, err)
	assert.Contains(t, current, "data:text/html")

	obs, err := m.Capture(ctx, tab)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", obs.MimeType)
	assert.NotZero(t, obs.Size)

	d, err := m.Driver(tab.ID)
	require.NoError(t, err)
	vp, err := d.Viewport(ctx)
	require.NoError(t, err)
	assert.Positive(t, vp.Width)

	var found bool
	require.NoError(t, d.Evaluate(ctx, `document.body.innerText.includes("needle")`, &found))
	assert.True(t, found)

	_, err = m.Validate(ctx, schemas.TabHandle{ID: "gone"})
	assert.ErrorIs(t, err, ErrTabNotFound)
}
