package bench

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"leakbench/types"
)

func TestAutoStopAlternatingInBand(t *testing.T) {
	require := require.New(t)

	a := NewAutoStop(5, 90*time.Second)
	a.Arm(&types.SamplePoint{Elapsed: 0, LeakRate: 1.0e-4})

	fired := 0
	for i := 1; i <= 20; i++ {
		v := 1.2e-4
		if i%2 == 0 {
			v = 0.9e-4
		}
		if a.Observe(types.SamplePoint{Elapsed: float64(i * 10), LeakRate: v}) {
			fired++
			require.Equal(9, i)
			break
		}
	}
	require.Equal(1, fired)
}

func TestAutoStopBandIsStrict(t *testing.T) {
	require := require.New(t)

	a := NewAutoStop(5, 10*time.Second)
	a.Arm(&types.SamplePoint{LeakRate: 1.0})

	require.False(a.Observe(types.SamplePoint{Elapsed: 20, LeakRate: 5.0}))
	require.Equal(types.AutoStopWatching, a.State())

	a.Arm(&types.SamplePoint{LeakRate: 1.0})
	require.False(a.Observe(types.SamplePoint{Elapsed: 20, LeakRate: 0.2}))
	require.Equal(types.AutoStopWatching, a.State())
}

func TestAutoStopExitReanchors(t *testing.T) {
	require := require.New(t)

	a := NewAutoStop(5, 90*time.Second)
	a.Arm(&types.SamplePoint{Elapsed: 0, LeakRate: 1.0e-4})

	require.False(a.Observe(types.SamplePoint{Elapsed: 80, LeakRate: 1.1e-4}))
	require.False(a.Observe(types.SamplePoint{Elapsed: 85, LeakRate: 6.0e-4}))
	require.Equal(types.AutoStopWatching, a.State())
	require.True(a.armed)

	require.False(a.Observe(types.SamplePoint{Elapsed: 170, LeakRate: 5.0e-4}))
	require.Equal(types.AutoStopArmed, a.State())
	require.True(a.Observe(types.SamplePoint{Elapsed: 175, LeakRate: 5.5e-4}))
}

func TestAutoStopArmWithoutSample(t *testing.T) {
	require := require.New(t)

	a := NewAutoStop(5, 30*time.Second)
	require.False(a.Observe(types.SamplePoint{Elapsed: 1, LeakRate: 1}))
	require.Equal(types.AutoStopOff, a.State())

	a.Arm(nil)
	require.False(a.Observe(types.SamplePoint{Elapsed: 10, LeakRate: 2}))
	require.False(a.Observe(types.SamplePoint{Elapsed: 30, LeakRate: 3}))
	require.True(a.Observe(types.SamplePoint{Elapsed: 40, LeakRate: 2.5}))

	a.Disarm()
	require.False(a.armed)
	require.False(a.Observe(types.SamplePoint{Elapsed: 500, LeakRate: 2.5}))
}
