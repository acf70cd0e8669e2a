package cpuspec

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptimalThreadCount(t *testing.T) {
	t.Parallel()

	n := runtime.NumCPU()
	tests := []struct {
		name string
		spec CPUSpec
		want int
	}{
		{"physical cores", CPUSpec{PhysicalCores: 1, LogicalCores: 2}, 1},
		{"physical capped", CPUSpec{PhysicalCores: n + 64}, n},
		{"logical fallback", CPUSpec{LogicalCores: 1}, 1},
		{"unknown cpu", CPUSpec{}, n},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.spec.OptimalThreadCount())
		})
	}
}

func TestThreadCount(t *testing.T) {
	t.Parallel()

	n := runtime.NumCPU()
	assert.Equal(t, 1, ThreadCount(1))
	assert.Equal(t, n, ThreadCount(n+10))
	got := ThreadCount(0)
	assert.GreaterOrEqual(t, got, 1)
	assert.LessOrEqual(t, got, n)
}
