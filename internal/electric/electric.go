package electric

import "math"

// CurrentType 电流类型
type CurrentType string

const (
	CurrentTypeAC CurrentType = "AC"
	CurrentTypeDC CurrentType = "DC"
)

// Voltage 常见电压档位
type Voltage int

const (
	Voltage230 Voltage = 230
	Voltage400 Voltage = 400
)

// AmpsToWatts 将电流换算为功率
// AC三相取各相之和，DC忽略相数。
func AmpsToWatts(amps float64, currentType CurrentType, voltage float64, phases int) float64 {
	if currentType == CurrentTypeDC {
		return voltage * amps
	}
	if phases < 1 {
		phases = 1
	}
	return voltage * amps * float64(phases)
}

// WattsToAmps 将功率换算为单相电流
func WattsToAmps(watts float64, currentType CurrentType, voltage float64, phases int) float64 {
	if voltage == 0 {
		return 0
	}
	if currentType == CurrentTypeDC {
		return watts / voltage
	}
	if phases < 1 {
		phases = 1
	}
	return watts / (voltage * float64(phases))
}

// AmperageFromPower 由额定功率推导每相最大电流，向下取整
func AmperageFromPower(maximumPower float64, currentType CurrentType, voltage float64, phases int) int {
	return int(math.Floor(WattsToAmps(maximumPower, currentType, voltage, phases)))
}
