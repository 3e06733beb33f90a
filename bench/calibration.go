package bench

import (
	"context"
	"log/slog"
	"time"

	"leakbench/types"
)

type CalibrationResult struct {
	PoweredMinutes int     `json:"powered_minutes"`
	Factor         float64 `json:"factor"`
}

// Calibrator runs the leak detector's internal calibration once the
// instrument has been powered long enough to be thermally stable.
type Calibrator struct {
	minMinutes int
	settle     time.Duration
	wait       func(ctx context.Context, d time.Duration) error
	log        *slog.Logger
}

func NewCalibrator(minPowerOnMinutes int, settle time.Duration, log *slog.Logger) *Calibrator {
	return &Calibrator{
		minMinutes: minPowerOnMinutes,
		settle:     settle,
		wait:       sleepCtx,
		log:        log.With("component", "calibration"),
	}
}

// Run checks the power-on time, triggers *cal and reads back the factor
// after the settle delay. Below the gate it returns a *types.WarmingUpError
// and sends nothing else.
func (c *Calibrator) Run(ctx context.Context, ld LeakDetector) (CalibrationResult, error) {
	minutes, err := ld.PowerOnMinutes()
	if err != nil {
		return CalibrationResult{}, err
	}
	if minutes < c.minMinutes {
		c.log.Warn("leak detector still warming up", "powered_minutes", minutes, "required", c.minMinutes)
		return CalibrationResult{PoweredMinutes: minutes}, &types.WarmingUpError{
			PoweredMinutes:   minutes,
			RemainingMinutes: c.minMinutes - minutes,
		}
	}

	c.log.Info("calibrating", "powered_minutes", minutes)
	if err := ld.Calibrate(); err != nil {
		return CalibrationResult{PoweredMinutes: minutes}, err
	}
	if err := c.wait(ctx, c.settle); err != nil {
		return CalibrationResult{PoweredMinutes: minutes}, err
	}
	factor, err := ld.CalibrationFactor()
	if err != nil {
		return CalibrationResult{PoweredMinutes: minutes}, err
	}
	c.log.Info("calibration done", "factor", factor)
	return CalibrationResult{PoweredMinutes: minutes, Factor: factor}, nil
}
