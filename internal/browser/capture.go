// internal/browser/capture.go
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
	"github.com/xkilldash9x/atlas-cli/internal/throttle"
)

const (
	captureMimeType = "image/jpeg"
	captureTimeout  = 10 * time.Second
)

// Capture takes a JPEG screenshot of the visible area of tab. It returns
// schemas.ErrCaptureQuota when captures are requested faster than the quota.
func (m *Manager) Capture(ctx context.Context, tab schemas.TabHandle) (*schemas.Observation, error) {
	if !m.limiter.Allow() {
		return nil, schemas.ErrCaptureQuota
	}

	quality := m.captureCfg.Quality
	if quality <= 0 || quality > 100 {
		quality = 15
	}

	var buf []byte
	err := m.run(ctx, tab, captureTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(int64(quality)).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("screenshot of tab %s failed: %w", tab.ID, err)
	}

	m.logger.Debug("Captured tab", zap.String("tab_id", tab.ID), zap.Int("bytes", len(buf)))
	return schemas.NewObservation(buf, captureMimeType, time.Now()), nil
}

// Capturer binds Capture to a tab for the capture throttler.
func (m *Manager) Capturer(tab schemas.TabHandle) throttle.CaptureFunc {
	return func(ctx context.Context) (*schemas.Observation, error) {
		return m.Capture(ctx, tab)
	}
}
