package station

import (
	"fmt"
	"math"
	"time"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/station-simulator/internal/electric"
	"github.com/charging-platform/station-simulator/internal/template"
)

// electricPower 电流换算为站点输出功率
func electricPower(amps float64, info *template.StationInfo) float64 {
	return electric.AmpsToWatts(amps, info.CurrentOutType, info.VoltageOut, info.NumberOfPhases)
}

// transactionMeterValues 交易首尾是否补发电表读数
func (s *Station) transactionMeterValues() bool {
	return s.info.BeginEndMeterValues && s.info.OCPPStrictCompliance && !s.info.OutOfOrderEndMeterValues
}

// sendTransactionMeterValue 交易开始时上报一条Transaction.Begin读数
func (s *Station) sendTransactionMeterValue(connectorID int, context ocpp16.ReadingContext, registerWh int) {
	measurand := ocpp16.MeasurandEnergyActiveImportRegister
	unit := ocpp16.UnitOfMeasureWh
	req := &ocpp16.MeterValuesRequest{
		ConnectorId: connectorID,
		MeterValue: []ocpp16.MeterValue{{
			Timestamp: ocpp16.NewDateTime(time.Now()),
			SampledValue: []ocpp16.SampledValue{{
				Value:     fmt.Sprintf("%d", registerWh),
				Context:   &context,
				Measurand: &measurand,
				Unit:      &unit,
			}},
		}},
	}
	if txID, ok := s.connectors[connectorID].TransactionID(); ok {
		req.TransactionId = &txID
	}

	if _, err := s.engine.SendCall(ocpp16.ActionMeterValues, req, nil); err != nil {
		s.log.Warnf("Failed to send transaction meter value for connector %d: %v", connectorID, err)
	}
}

// transactionEndMeterValue StopTransaction随带的Transaction.End读数
func transactionEndMeterValue(at ocpp16.DateTime, registerWh int) []ocpp16.MeterValue {
	context := ocpp16.ReadingContextTransactionEnd
	measurand := ocpp16.MeasurandEnergyActiveImportRegister
	unit := ocpp16.UnitOfMeasureWh
	return []ocpp16.MeterValue{{
		Timestamp: at,
		SampledValue: []ocpp16.SampledValue{{
			Value:     fmt.Sprintf("%d", registerWh),
			Context:   &context,
			Measurand: &measurand,
			Unit:      &unit,
		}},
	}}
}

// meterLoop 按MeterValueSampleInterval给充电中的连接器累计电能并上报
// 采样间隔为0时只累计不上报。
func (s *Station) meterLoop() {
	defer s.wg.Done()

	interval := s.store.GetDuration(KeyMeterValueSampleInterval, defaultMeterInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.engine.IsRegistrationAccepted() {
				continue
			}
			s.sampleMeters(interval)

			// 配置键可能被ChangeConfiguration改过
			if next := s.store.GetDuration(KeyMeterValueSampleInterval, defaultMeterInterval); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// sampleMeters 对每个充电中的连接器做一次采样
func (s *Station) sampleMeters(elapsed time.Duration) {
	now := time.Now()
	for _, id := range s.connectorIDs {
		c := s.connectors[id]
		if !c.HasTransaction() {
			continue
		}

		limit := s.profiles.ResolveLimit(id, now, s.chargingContext(c))
		powerW := limit.PowerW
		energyWh := powerW * elapsed.Hours()
		c.AddEnergy(energyWh, powerW)

		s.sendMeterValues(c, now)
	}
}

// sendMeterValues 上报电表读数与当前功率
func (s *Station) sendMeterValues(c *Connector, at time.Time) {
	registerWh := fmt.Sprintf("%d", int(math.Round(c.EnergyWh())))
	powerW := fmt.Sprintf("%.1f", c.PowerW())

	energyMeasurand := ocpp16.MeasurandEnergyActiveImportRegister
	powerMeasurand := ocpp16.MeasurandPowerActiveImport
	unitWh := ocpp16.UnitOfMeasureWh
	unitW := ocpp16.UnitOfMeasureW
	contextSample := ocpp16.ReadingContextSamplePeriodic

	req := &ocpp16.MeterValuesRequest{
		ConnectorId: c.ID,
		MeterValue: []ocpp16.MeterValue{{
			Timestamp: ocpp16.NewDateTime(at),
			SampledValue: []ocpp16.SampledValue{
				{
					Value:     registerWh,
					Context:   &contextSample,
					Measurand: &energyMeasurand,
					Unit:      &unitWh,
				},
				{
					Value:     powerW,
					Context:   &contextSample,
					Measurand: &powerMeasurand,
					Unit:      &unitW,
				},
			},
		}},
	}
	if txID, ok := c.TransactionID(); ok {
		req.TransactionId = &txID
	}

	if _, err := s.engine.SendCall(ocpp16.ActionMeterValues, req, nil); err != nil {
		s.log.Warnf("Failed to send meter values for connector %d: %v", c.ID, err)
	}
}
