package roverarm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

var _ MotorCommander = (*FeetechCommander)(nil)

func TestServoCountConversion(t *testing.T) {
	t.Run("zero angle is the mechanical center", func(t *testing.T) {
		assert.Equal(t, float64(servoCenterCount), radiansToCounts(0))
	})

	t.Run("quarter turn", func(t *testing.T) {
		assert.InDelta(t, 3072, radiansToCounts(math.Pi/2), 1e-9)
		assert.InDelta(t, 1024, radiansToCounts(-math.Pi/2), 1e-9)
	})

	t.Run("clamps at the register bounds", func(t *testing.T) {
		assert.Equal(t, float64(servoCountsPerRev-1), radiansToCounts(2*math.Pi))
		assert.Equal(t, 0.0, radiansToCounts(-2*math.Pi))
	})

	t.Run("round trip", func(t *testing.T) {
		for _, angle := range []float64{-2.5, -1.1, 0, 0.7, 2.9} {
			assert.InDelta(t, angle, countsToRadians(radiansToCounts(angle)), 1e-9)
		}
	})
}
