package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evcharge/models"
	"evcharge/ocpp/core"
	"evcharge/types"
	"evcharge/utility"
)

const (
	testStation = "EVB-P2001234"
	testTag     = "D0431F35"
)

func startRequest(connectorId, meterStart int, ts time.Time) *core.StartTransactionRequest {
	return &core.StartTransactionRequest{
		ConnectorId: types.NewFlexInt(connectorId),
		IdTag:       types.FlexString(testTag),
		MeterStart:  types.NewFlexInt(meterStart),
		Timestamp:   types.NewDateTime(ts),
	}
}

func stopRequest(transactionId, meterStop int, ts time.Time) *core.StopTransactionRequest {
	return &core.StopTransactionRequest{
		IdTag:         types.FlexString(testTag),
		MeterStop:     types.NewFlexInt(meterStop),
		Timestamp:     types.NewDateTime(ts),
		TransactionId: types.NewFlexInt(transactionId),
		Reason:        core.ReasonLocal,
	}
}

func energySample(value int, ts time.Time) types.MeterValue {
	return types.MeterValue{
		Timestamp: types.NewDateTime(ts),
		SampledValue: []types.SampledValue{
			{
				Value:     jsonNumber(value),
				Context:   types.ReadingContextSamplePeriodic,
				Measurand: types.MeasurandEnergyActiveImportRegister,
				Unit:      types.UnitOfMeasureWh,
			},
		},
	}
}

func clockSample(value int, ts time.Time) types.MeterValue {
	sample := energySample(value, ts)
	sample.SampledValue[0].Context = types.ReadingContextSampleClock
	return sample
}

func jsonNumber(v int) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func startTestTransaction(t *testing.T, engine *Engine, meterStart int, ts time.Time) int {
	t.Helper()
	response, err := engine.OnStartTransaction(testStation, startRequest(1, meterStart, ts))
	require.NoError(t, err)
	require.Equal(t, types.AuthorizationStatusAccepted, response.IdTagInfo.Status)
	return response.TransactionId
}

func TestStartTransaction(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	id := startTestTransaction(t, engine, 100, start)
	assert.Equal(t, 1, id)

	transaction, err := engine.GetTransaction(id)
	require.NoError(t, err)
	assert.True(t, transaction.IsActive())
	assert.Equal(t, 100, transaction.MeterStart)
	assert.Equal(t, "driver", transaction.Username)

	stored, err := db.GetTransaction(id)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusActive, stored.Status)
}

func TestStartTransactionMalformedMeter(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)

	request := startRequest(1, 0, time.Now())
	request.MeterStart = types.FlexInt{}
	response, err := engine.OnStartTransaction(testStation, request)
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusInvalid, response.IdTagInfo.Status)
	assert.Empty(t, db.transactions)
}

func TestStartTransactionUnknownTagRejected(t *testing.T) {
	db := newMemoryDatabase()
	engine := testEngine(db)
	engine.authorizer.SetAcceptUnknownTag(false)

	response, err := engine.OnStartTransaction(testStation, startRequest(1, 0, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusInvalid, response.IdTagInfo.Status)
	// the tag is registered disabled for later review
	tag, _ := db.GetUserTag(testTag)
	require.NotNil(t, tag)
	assert.False(t, tag.IsEnabled)
}

// Three 300 Wh samples a minute apart, a clock-context sample in between,
// one more 300 Wh sample, stop at 1200. The clock sample with value 0 must
// not disturb consumption or inactivity.
func TestSessionWithClockSample(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	id := startTestTransaction(t, engine, 0, start)

	_, err := engine.OnMeterValues(testStation, &core.MeterValuesRequest{
		ConnectorId:   types.NewFlexInt(1),
		TransactionId: &types.FlexInt{Value: id, Valid: true},
		MeterValue: []types.MeterValue{
			energySample(300, start.Add(1*time.Minute)),
			energySample(600, start.Add(2*time.Minute)),
			clockSample(0, start.Add(2*time.Minute+30*time.Second)),
			energySample(900, start.Add(3*time.Minute)),
		},
	})
	require.NoError(t, err)

	_, err = engine.OnStopTransaction(testStation, stopRequest(id, 1200, start.Add(4*time.Minute)))
	require.NoError(t, err)

	transaction, err := engine.GetTransaction(id)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, transaction.Status)
	assert.Equal(t, 1200, transaction.TotalConsumption)
	assert.Equal(t, 0, transaction.TotalInactivitySecs)
	assert.Equal(t, 240, transaction.TotalDurationSecs)
}

// No meter values at all, stop one hour later with an unchanged register.
// The whole session counts as inactivity.
func TestIdleSession(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	id := startTestTransaction(t, engine, 0, start)

	_, err := engine.OnStopTransaction(testStation, stopRequest(id, 0, start.Add(time.Hour)))
	require.NoError(t, err)

	transaction, err := engine.GetTransaction(id)
	require.NoError(t, err)
	assert.Equal(t, 0, transaction.TotalConsumption)
	assert.Equal(t, 3600, transaction.TotalInactivitySecs)
	assert.Equal(t, 3600, transaction.TotalDurationSecs)
}

// A regressing register reading means a sensor reset, never negative
// consumption. Total consumption must not decrease as samples apply.
func TestRegressingRegister(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	id := startTestTransaction(t, engine, 1000, start)

	_, err := engine.OnMeterValues(testStation, &core.MeterValuesRequest{
		ConnectorId:   types.NewFlexInt(1),
		TransactionId: &types.FlexInt{Value: id, Valid: true},
		MeterValue: []types.MeterValue{
			energySample(1300, start.Add(1*time.Minute)),
			energySample(50, start.Add(2*time.Minute)),
			energySample(350, start.Add(3*time.Minute)),
		},
	})
	require.NoError(t, err)

	transaction, err := engine.GetTransaction(id)
	require.NoError(t, err)
	// 300 before the reset, 300 after the new baseline was adopted
	assert.Equal(t, 600, transaction.CurrentConsumption)
	assert.GreaterOrEqual(t, transaction.CurrentConsumption, 0)
}

func TestInactivityAccruesOnZeroDelta(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	id := startTestTransaction(t, engine, 0, start)

	_, err := engine.OnMeterValues(testStation, &core.MeterValuesRequest{
		ConnectorId:   types.NewFlexInt(1),
		TransactionId: &types.FlexInt{Value: id, Valid: true},
		MeterValue: []types.MeterValue{
			energySample(500, start.Add(1*time.Minute)),
			energySample(500, start.Add(2*time.Minute)),
			energySample(500, start.Add(3*time.Minute)),
			energySample(800, start.Add(4*time.Minute)),
		},
	})
	require.NoError(t, err)

	transaction, err := engine.GetTransaction(id)
	require.NoError(t, err)
	assert.Equal(t, 120, transaction.TotalInactivitySecs)
	assert.Equal(t, 800, transaction.CurrentConsumption)
}

func TestInactivityCappedAtDuration(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	id := startTestTransaction(t, engine, 0, start)

	// a sample far in the future inflates inactivity past the real
	// duration; the stop must clamp it
	_, err := engine.OnMeterValues(testStation, &core.MeterValuesRequest{
		ConnectorId:   types.NewFlexInt(1),
		TransactionId: &types.FlexInt{Value: id, Valid: true},
		MeterValue: []types.MeterValue{
			energySample(0, start.Add(2*time.Hour)),
		},
	})
	require.NoError(t, err)

	_, err = engine.OnStopTransaction(testStation, stopRequest(id, 0, start.Add(time.Hour)))
	require.NoError(t, err)

	transaction, err := engine.GetTransaction(id)
	require.NoError(t, err)
	assert.Equal(t, transaction.TotalDurationSecs, 3600)
	assert.LessOrEqual(t, transaction.TotalInactivitySecs, transaction.TotalDurationSecs)
	assert.GreaterOrEqual(t, transaction.TotalInactivitySecs, 0)
}

func TestPowerRateFromInterval(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	id := startTestTransaction(t, engine, 0, start)

	// 1100 Wh over 600 s is 6600 W
	_, err := engine.OnMeterValues(testStation, &core.MeterValuesRequest{
		ConnectorId:   types.NewFlexInt(1),
		TransactionId: &types.FlexInt{Value: id, Valid: true},
		MeterValue: []types.MeterValue{
			energySample(1100, start.Add(10*time.Minute)),
		},
	})
	require.NoError(t, err)

	transaction, err := engine.GetTransaction(id)
	require.NoError(t, err)
	assert.Equal(t, 6600, transaction.CurrentPower)
}

func TestKilowattHourSamplesScaled(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	id := startTestTransaction(t, engine, 0, start)

	sample := energySample(2, start.Add(10*time.Minute))
	sample.SampledValue[0].Unit = types.UnitOfMeasureKWh
	_, err := engine.OnMeterValues(testStation, &core.MeterValuesRequest{
		ConnectorId:   types.NewFlexInt(1),
		TransactionId: &types.FlexInt{Value: id, Valid: true},
		MeterValue:    []types.MeterValue{sample},
	})
	require.NoError(t, err)

	transaction, err := engine.GetTransaction(id)
	require.NoError(t, err)
	assert.Equal(t, 2000, transaction.CurrentConsumption)
}

// A start on a busy connector closes the previous transaction with zero
// consumption and hands out a fresh id.
func TestStartOverActiveTransaction(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	first := startTestTransaction(t, engine, 100, start)

	response, err := engine.OnStartTransaction(testStation, startRequest(1, 500, start.Add(30*time.Minute)))
	require.NoError(t, err)
	second := response.TransactionId
	assert.NotEqual(t, first, second)

	prior, err := engine.GetTransaction(first)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusInError, prior.Status)
	assert.Equal(t, 0, prior.TotalConsumption)
	assert.Equal(t, ReasonReplaced, prior.Reason)

	current, err := engine.GetTransaction(second)
	require.NoError(t, err)
	assert.True(t, current.IsActive())
}

// Available on a connector still holding an active transaction closes it
// administratively, keeping the consumption accumulated so far.
func TestInferredStopOnAvailable(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)

	start := time.Now().Add(-time.Hour)
	id := startTestTransaction(t, engine, 0, start)

	_, err := engine.OnMeterValues(testStation, &core.MeterValuesRequest{
		ConnectorId:   types.NewFlexInt(1),
		TransactionId: &types.FlexInt{Value: id, Valid: true},
		MeterValue: []types.MeterValue{
			energySample(700, start.Add(30*time.Minute)),
		},
	})
	require.NoError(t, err)

	_, err = engine.OnStatusNotification(testStation, &core.StatusNotificationRequest{
		ConnectorId: types.NewFlexInt(1),
		ErrorCode:   core.NoError,
		Status:      core.ChargePointStatusAvailable,
	})
	require.NoError(t, err)

	transaction, err := engine.GetTransaction(id)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusInError, transaction.Status)
	assert.Equal(t, ReasonInferredStop, transaction.Reason)
	assert.Equal(t, 700, transaction.TotalConsumption)
	// idle tail between the last sample and the inferred stop
	assert.Greater(t, transaction.TotalInactivitySecs, 0)
	assert.LessOrEqual(t, transaction.TotalInactivitySecs, transaction.TotalDurationSecs)

	_, busy := engine.ActiveTransactionOnConnector(testStation, 1)
	assert.False(t, busy)
}

func TestStopUnknownTransactionAcknowledged(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)
	engine.getChargePoint(testStation, "")

	response, err := engine.OnStopTransaction(testStation, stopRequest(42, 100, time.Now()))
	require.NoError(t, err)
	require.NotNil(t, response)
}

func TestStopMalformedTransactionData(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	id := startTestTransaction(t, engine, 0, start)

	request := stopRequest(id, 500, start.Add(time.Minute))
	broken := energySample(300, start.Add(30*time.Second))
	broken.SampledValue[0].Value = "not-a-number"
	request.TransactionData = []types.MeterValue{broken}

	response, err := engine.OnStopTransaction(testStation, request)
	require.NoError(t, err)
	require.NotNil(t, response.IdTagInfo)
	assert.Equal(t, types.AuthorizationStatusInvalid, response.IdTagInfo.Status)

	// the transaction stays open for a corrected retry
	transaction, err := engine.GetTransaction(id)
	require.NoError(t, err)
	assert.True(t, transaction.IsActive())
}

func TestStopAppliesTransactionData(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	id := startTestTransaction(t, engine, 0, start)

	request := stopRequest(id, 600, start.Add(2*time.Minute))
	request.TransactionData = []types.MeterValue{
		energySample(300, start.Add(1*time.Minute)),
	}
	_, err := engine.OnStopTransaction(testStation, request)
	require.NoError(t, err)

	transaction, err := engine.GetTransaction(id)
	require.NoError(t, err)
	assert.Equal(t, 600, transaction.TotalConsumption)
	assert.Equal(t, 0, transaction.TotalInactivitySecs)
}

func TestStopPricesAtCurrentRate(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)
	engine.SetPricingService(fixedPricing{rate: 0.30, currency: "EUR"})

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	id := startTestTransaction(t, engine, 0, start)

	_, err := engine.OnStopTransaction(testStation, stopRequest(id, 5000, start.Add(time.Hour)))
	require.NoError(t, err)

	transaction, err := engine.GetTransaction(id)
	require.NoError(t, err)
	// 5 kWh at 0.30
	assert.InDelta(t, 1.50, transaction.Price, 0.001)
	assert.Equal(t, "EUR", transaction.PriceCurrency)
}

func TestMeterValuesResolveByConnector(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	id := startTestTransaction(t, engine, 0, start)

	// no transaction id in the request, only the connector
	_, err := engine.OnMeterValues(testStation, &core.MeterValuesRequest{
		ConnectorId: types.NewFlexInt(1),
		MeterValue: []types.MeterValue{
			energySample(400, start.Add(time.Minute)),
		},
	})
	require.NoError(t, err)

	transaction, err := engine.GetTransaction(id)
	require.NoError(t, err)
	assert.Equal(t, 400, transaction.CurrentConsumption)
}

func TestMeterValuesAfterStopIgnored(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	id := startTestTransaction(t, engine, 0, start)
	_, err := engine.OnStopTransaction(testStation, stopRequest(id, 500, start.Add(time.Minute)))
	require.NoError(t, err)

	_, err = engine.OnMeterValues(testStation, &core.MeterValuesRequest{
		ConnectorId:   types.NewFlexInt(1),
		TransactionId: &types.FlexInt{Value: id, Valid: true},
		MeterValue: []types.MeterValue{
			energySample(9000, start.Add(2*time.Minute)),
		},
	})
	require.NoError(t, err)

	transaction, err := engine.GetTransaction(id)
	require.NoError(t, err)
	assert.Equal(t, 500, transaction.TotalConsumption)
}

func TestBootNotificationRegistersStation(t *testing.T) {
	db := newMemoryDatabase()
	engine := testEngine(db)

	response, err := engine.OnBootNotification(testStation, "tenant-a", &core.BootNotificationRequest{
		ChargePointModel:  "Wallbox XL",
		ChargePointVendor: "vendorX",
		FirmwareVersion:   "1.9.22",
	})
	require.NoError(t, err)
	assert.Equal(t, core.RegistrationStatusAccepted, response.Status)
	assert.Equal(t, defaultHeartbeatInterval, response.Interval)

	cp, err := db.GetChargePoint(testStation)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", cp.Tenant)
	assert.Equal(t, "Wallbox XL", cp.Model)
}

func TestBootNotificationRejectsUnknownStation(t *testing.T) {
	db := newMemoryDatabase()
	engine := testEngine(db)
	engine.SetParameters(false, false)

	response, err := engine.OnBootNotification("GHOST-01", "", &core.BootNotificationRequest{
		ChargePointModel:  "Wallbox XL",
		ChargePointVendor: "vendorX",
	})
	require.NoError(t, err)
	assert.Equal(t, core.RegistrationStatusRejected, response.Status)
}

func TestTransactionIdSequenceSeededFromStore(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	stored := &models.Transaction{Id: 41, Status: models.TransactionStatusCompleted}
	stored.Init()
	require.NoError(t, db.AddTransaction(stored))

	engine := testEngine(db)
	require.NoError(t, engine.OnStart())

	id := startTestTransaction(t, engine, 0, time.Now())
	assert.Equal(t, 42, id)
}

func TestDeleteActiveTransactionRefused(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)

	id := startTestTransaction(t, engine, 0, time.Now())
	assert.Error(t, engine.DeleteTransaction(id))

	_, err := engine.OnStopTransaction(testStation, stopRequest(id, 0, time.Now()))
	require.NoError(t, err)
	assert.NoError(t, engine.DeleteTransaction(id))
	_, err = engine.GetTransaction(id)
	assert.Error(t, err)
}

func TestEventsOnStartAndStop(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)
	events := &recordingEvents{}
	engine.SetEventHandler(events)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	id := startTestTransaction(t, engine, 0, start)
	_, err := engine.OnStopTransaction(testStation, stopRequest(id, 100, start.Add(time.Minute)))
	require.NoError(t, err)

	require.Equal(t, 2, events.count())
	assert.Equal(t, id, events.messages[0].TransactionId)
	assert.Equal(t, "driver", events.messages[0].Username)
}

// A late stop for a replaced transaction is acknowledged without touching
// the connector, which still belongs to the transaction that superseded it.
func TestStopOfReplacedTransactionKeepsSuccessor(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)

	start := time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC)
	first := startTestTransaction(t, engine, 1000, start)

	response, err := engine.OnStartTransaction(testStation, startRequest(1, 1200, start.Add(30*time.Minute)))
	require.NoError(t, err)
	second := response.TransactionId
	require.NotEqual(t, first, second)

	stop, err := engine.OnStopTransaction(testStation, stopRequest(first, 1100, start.Add(31*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, stop.IdTagInfo.Status)

	active, ok := engine.ActiveTransactionOnConnector(testStation, 1)
	require.True(t, ok)
	assert.Equal(t, second, active)

	// connector-resolved meter values still reach the running transaction
	_, err = engine.OnMeterValues(testStation, &core.MeterValuesRequest{
		ConnectorId: types.NewFlexInt(1),
		MeterValue: []types.MeterValue{
			energySample(1500, start.Add(40*time.Minute)),
		},
	})
	require.NoError(t, err)

	current, err := engine.GetTransaction(second)
	require.NoError(t, err)
	assert.True(t, current.IsActive())
	assert.Equal(t, 300, current.CurrentConsumption)
}

// A stop whose database write failed is retried by the charge point; the
// repeated stop writes the terminal state before acknowledging.
func TestStopRetriedAfterFailedWrite(t *testing.T) {
	db := newMemoryDatabase()
	enabledTag(db, testTag)
	engine := testEngine(db)

	start := time.Date(2026, 3, 12, 8, 0, 0, 0, time.UTC)
	id := startTestTransaction(t, engine, 1000, start)

	db.failTransactionWrites = utility.Err("connection reset")
	_, err := engine.OnStopTransaction(testStation, stopRequest(id, 1600, start.Add(time.Hour)))
	require.Error(t, err)
	writesAfterFailure := db.transactionWrites

	db.failTransactionWrites = nil
	response, err := engine.OnStopTransaction(testStation, stopRequest(id, 1600, start.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, response.IdTagInfo.Status)
	assert.Equal(t, writesAfterFailure+1, db.transactionWrites)

	stored, err := db.GetTransaction(id)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, stored.Status)
	assert.Equal(t, 600, stored.TotalConsumption)

	// a further repeat is acknowledged without another write
	_, err = engine.OnStopTransaction(testStation, stopRequest(id, 1600, start.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, writesAfterFailure+1, db.transactionWrites)
}
