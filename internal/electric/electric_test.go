package electric

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAmpsToWatts(t *testing.T) {
	tests := []struct {
		name        string
		amps        float64
		currentType CurrentType
		voltage     float64
		phases      int
		expected    float64
	}{
		{"交流三相230V 16A", 16, CurrentTypeAC, 230, 3, 11040},
		{"交流单相230V 32A", 32, CurrentTypeAC, 230, 1, 7360},
		{"直流400V 100A", 100, CurrentTypeDC, 400, 0, 40000},
		{"零电流", 0, CurrentTypeAC, 230, 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, AmpsToWatts(tt.amps, tt.currentType, tt.voltage, tt.phases), 0.001)
		})
	}
}

func TestWattsToAmps(t *testing.T) {
	// 交流三相：11040W / (230V * 3) = 16A
	assert.InDelta(t, 16, WattsToAmps(11040, CurrentTypeAC, 230, 3), 0.001)
	// 直流：40000W / 400V = 100A
	assert.InDelta(t, 100, WattsToAmps(40000, CurrentTypeDC, 400, 0), 0.001)
}

func TestAmperageFromPower(t *testing.T) {
	// 向下取整：7400W / (230V * 1) = 32.17 -> 32A
	assert.Equal(t, 32, AmperageFromPower(7400, CurrentTypeAC, 230, 1))
	// 整除场景
	assert.Equal(t, 16, AmperageFromPower(11040, CurrentTypeAC, 230, 3))
}

func TestRoundTrip(t *testing.T) {
	// 瓦和安的换算互为逆运算
	watts := AmpsToWatts(25, CurrentTypeAC, 400, 3)
	assert.InDelta(t, 25, WattsToAmps(watts, CurrentTypeAC, 400, 3), 0.001)
}
