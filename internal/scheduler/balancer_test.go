//go:build unit || !integration

package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerLoadUtilization(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 50.0, WorkerLoad{Load: 5, Capacity: 10}.Utilization())
	assert.Equal(t, 0.0, WorkerLoad{Load: 5, Capacity: 0}.Utilization())
	assert.Equal(t, 120.0, WorkerLoad{Load: 12, Capacity: 10}.Utilization())
}

func TestRebalance(t *testing.T) {
	t.Parallel()

	balancer := NewBalancer(DefaultThresholds())

	t.Run("empty fleet", func(t *testing.T) {
		t.Parallel()

		plan := balancer.Rebalance(nil)
		assert.Equal(t, "minimal", plan.Strategy)
		assert.Empty(t, plan.Actions)
	})

	t.Run("overloaded and idle workers get opposite actions", func(t *testing.T) {
		t.Parallel()

		plan := balancer.Rebalance([]WorkerLoad{
			{WorkerID: "w1", Load: 9.5, Capacity: 10}, // 95%, overloaded
			{WorkerID: "w2", Load: 2, Capacity: 10},   // 20%, idle
			{WorkerID: "w3", Load: 6, Capacity: 10},   // 60%, fine
		})

		require.Len(t, plan.Actions, 2)
		assert.Equal(t, "reduce_load", plan.Actions[0].Action)
		assert.Equal(t, "w1", plan.Actions[0].WorkerID)
		assert.Equal(t, "increase_load", plan.Actions[1].Action)
		assert.Equal(t, "w2", plan.Actions[1].WorkerID)
	})

	t.Run("lone idle worker is left alone", func(t *testing.T) {
		t.Parallel()

		plan := balancer.Rebalance([]WorkerLoad{
			{WorkerID: "w1", Load: 1, Capacity: 10},
		})
		assert.Empty(t, plan.Actions)
	})

	t.Run("strategy follows fleet average", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name     string
			loads    []float64
			expected string
		}{
			{name: "hot fleet is aggressive", loads: []float64{8.5, 8.5, 8.5}, expected: "aggressive"},
			{name: "warm fleet is moderate", loads: []float64{7, 6.5, 7}, expected: "moderate"},
			{name: "cool fleet is minimal", loads: []float64{4, 5, 4.5}, expected: "minimal"},
		}

		for _, tt := range tests {
			workers := make([]WorkerLoad, len(tt.loads))
			for i, load := range tt.loads {
				workers[i] = WorkerLoad{WorkerID: "w", Load: load, Capacity: 10}
			}
			plan := balancer.Rebalance(workers)
			assert.Equal(t, tt.expected, plan.Strategy, tt.name)
		}
	})
}
