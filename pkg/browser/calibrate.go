package browser

import (
	"context"
	"fmt"
)

// Calibration describes how the page viewport maps onto screenshots.
type Calibration struct {
	PixelRatio     float64 `json:"pixelRatio"`
	ViewportWidth  int     `json:"viewportWidth"`
	ViewportHeight int     `json:"viewportHeight"`
	UsePixelRatio  bool    `json:"usePixelRatio"`
}

// Calibrator measures a freshly launched session.
type Calibrator interface {
	Calibrate(ctx context.Context, s Session) (*Calibration, error)
}

const calibrationScript = `() => ({
	pixelRatio: window.devicePixelRatio || 1,
	viewportWidth: document.documentElement.clientWidth,
	viewportHeight: document.documentElement.clientHeight,
})`

// ScriptCalibrator calibrates through Session.Evaluate on a blank page.
type ScriptCalibrator struct {
	// URL loaded before measuring. Empty keeps the current page.
	URL string
}

func (c ScriptCalibrator) Calibrate(ctx context.Context, s Session) (*Calibration, error) {
	if s == nil {
		return nil, ErrSessionClosed
	}
	if c.URL != "" {
		if err := s.Navigate(ctx, c.URL); err != nil {
			return nil, fmt.Errorf("calibration page: %w", err)
		}
	}

	raw, err := s.Evaluate(ctx, calibrationScript, nil)
	if err != nil {
		return nil, fmt.Errorf("calibration script: %w", err)
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("calibration script returned %T", raw)
	}

	cal := &Calibration{
		PixelRatio:     toFloat(m["pixelRatio"]),
		ViewportWidth:  int(toFloat(m["viewportWidth"])),
		ViewportHeight: int(toFloat(m["viewportHeight"])),
	}
	if cal.PixelRatio <= 0 {
		cal.PixelRatio = 1
	}
	cal.UsePixelRatio = cal.PixelRatio != 1
	return cal, nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
