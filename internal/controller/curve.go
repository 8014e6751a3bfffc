package controller

import (
	"math"

	"github.com/resident-x/go-ec133/internal/config"
	"github.com/resident-x/go-ec133/internal/domain"
)

// curveThreshold is the lowest brightness the curve is applied to. Anything
// below passes through so the dim end of the range stays usable.
const curveThreshold = 10

// Curve maps a requested brightness to the register value that gives a
// perceptually linear output:
//
//	out = range*(1-offset)*exp(-(1-value/range)/tau) + range*offset
//
// The result is truncated and kept within the register range.
func Curve(cfg config.CurveConfig, value int) int {
	if !cfg.Active || value < curveThreshold {
		return value
	}

	scaled := float64(cfg.Range*(1-cfg.Offset)) * math.Exp(-(1-float64(value)/cfg.Range)/cfg.Tau)
	out := math.Trunc(scaled + float64(cfg.Range*cfg.Offset))

	upper := math.Min(cfg.Range, domain.MaxBrightness)
	return int(math.Max(domain.MinBrightness, math.Min(upper, out)))
}
