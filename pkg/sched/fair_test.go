package sched

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNiceToWeightMonotonic(t *testing.T) {
	require.Equal(t, WeightZero, NiceToWeight(0))
	require.Greater(t, NiceToWeight(-5), NiceToWeight(0))
	require.Less(t, NiceToWeight(5), NiceToWeight(0))
	require.Equal(t, NiceToWeight(-20), NiceToWeight(-30)) // clamps
	require.Equal(t, NiceToWeight(19), NiceToWeight(40))   // clamps
}

func TestPickNextPrefersEligibleLeftmostDeadline(t *testing.T) {
	q := NewRunQueue(4, 1<<30)
	a := &Task{ID: 1, Weight: WeightZero}
	b := &Task{ID: 2, Weight: WeightZero}
	q.Enqueue(a, true)
	q.Enqueue(b, true)

	first := q.PickNext()
	require.NotNil(t, first)
	require.Contains(t, []uint64{1, 2}, first.ID)
}

func TestUpdateCurrentNeverPreemptsOnEmptyQueue(t *testing.T) {
	q := NewRunQueue(4, 1<<30)
	solo := &Task{ID: 1, Weight: WeightZero}
	q.Enqueue(solo, true)
	q.PickNext()
	require.Nil(t, q.root)
	for i := 0; i < 100; i++ {
		require.False(t, q.UpdateCurrent(1))
	}
}

// TestWeightedFairnessOverOneSecond reproduces the two compute-bound
// tasks scenario: weights 1024 and 2048 run continuously for 1s of
// simulated ticks, and the heavier task should accumulate between 1.9x
// and 2.1x the CPU time of the lighter one.
func TestWeightedFairnessOverOneSecond(t *testing.T) {
	// Time is tracked in microsecond-scale units rather than raw
	// milliseconds so that elapsed*WEIGHT_0/weight keeps enough
	// precision to not truncate to zero for heavier weights.
	const tickUnits = int64(1000) // 1 simulated millisecond
	const totalTicks = 1000       // 1 simulated second
	const baseSlice = int64(4000) // 4ms base slice

	q := NewRunQueue(baseSlice, 1<<30)
	light := &Task{ID: 1, Weight: WeightZero}
	heavy := &Task{ID: 2, Weight: WeightZero * 2}
	q.Enqueue(light, true)
	q.Enqueue(heavy, true)

	var ranLight, ranHeavy int64

	for i := 0; i < totalTicks; i++ {
		if q.Current() == nil {
			if q.PickNext() == nil {
				break
			}
		}
		switch q.Current().ID {
		case light.ID:
			ranLight += tickUnits
		case heavy.ID:
			ranHeavy += tickUnits
		}
		if q.UpdateCurrent(tickUnits) {
			q.Requeue()
		}
	}

	require.Greater(t, ranLight, int64(0))
	require.Greater(t, ranHeavy, int64(0))

	ratio := float64(ranHeavy) / float64(ranLight)
	require.GreaterOrEqual(t, ratio, 1.9)
	require.LessOrEqual(t, ratio, 2.1)
}

func TestSleepPersistsLagAndClampsToLimit(t *testing.T) {
	q := NewRunQueue(4, 10)
	a := &Task{ID: 1, Weight: WeightZero}
	q.Enqueue(a, true)
	q.PickNext()
	q.current.VRuntime += 1000 // force a huge lag past the limit
	q.Sleep()
	require.LessOrEqual(t, a.Lag, int64(10))
	require.GreaterOrEqual(t, a.Lag, int64(-10))
}

func TestSleepThenWakeAppliesQueueWeightAdjustedLag(t *testing.T) {
	q := NewRunQueue(4, 1<<30)
	a := &Task{ID: 1, Weight: WeightZero}
	b := &Task{ID: 2, Weight: WeightZero}
	q.Enqueue(a, true)
	q.Enqueue(b, true)

	woken := q.PickNext()
	require.NotNil(t, woken)
	woken.VRuntime += 500 // runs 500 past the queue average before blocking

	slept := q.Sleep()
	require.NotNil(t, slept)
	// Unweighted ρ_avg - ρ_task, per GLOSSARY "Virtual lag".
	require.Equal(t, int64(-500), slept.Lag)

	// Only the other weight-1024 task remains queued; admitting a
	// weight-1024 waker scales its lag by (totalWeight+w)/totalWeight = 2,
	// so it reenters twice as far from the average as its raw lag.
	q.Enqueue(slept, false)
	require.Equal(t, int64(1000), slept.VRuntime)
}
