package session

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"evcharge/internal"
	"evcharge/metrics/counters"
	"evcharge/models"
	"evcharge/ocpp/core"
	"evcharge/ocpp/firmware"
	"evcharge/types"
	"evcharge/utility"
)

const defaultHeartbeatInterval = 600

const (
	// ReasonInferredStop marks a transaction closed administratively after
	// its connector reported Available without a StopTransaction.
	ReasonInferredStop = "InferredStop"
	// ReasonReplaced marks a transaction ended implicitly by a new
	// StartTransaction on the same connector.
	ReasonReplaced = "Replaced"
)

type chargePointState struct {
	model             models.ChargePoint
	connectors        map[int]*models.Connector
	transactions      map[int]*models.Transaction
	firmwareStatus    firmware.Status
	diagnosticsStatus firmware.DiagnosticsStatus
}

// Engine owns the transaction lifecycle and the consumption-metering
// pipeline. It operates on decoded protocol records only; wire formats and
// connection state stay in the server package.
type Engine struct {
	chargePoints     map[string]*chargePointState
	database         internal.Database
	logger           internal.LogHandler
	eventHandler     internal.EventHandler
	pricing          internal.PricingService
	authorizer       *Authorizer
	location         *time.Location
	debug            bool
	acceptUnknownChp bool
	newTransactionId int
	mux              *sync.Mutex
}

func NewEngine(location *time.Location) *Engine {
	return &Engine{
		chargePoints:     make(map[string]*chargePointState),
		location:         location,
		newTransactionId: 1,
		mux:              &sync.Mutex{},
	}
}

func (e *Engine) SetDatabase(database internal.Database) {
	e.database = database
}

func (e *Engine) SetLogger(logger internal.LogHandler) {
	e.logger = logger
}

func (e *Engine) SetEventHandler(eventHandler internal.EventHandler) {
	e.eventHandler = eventHandler
}

func (e *Engine) SetPricingService(pricing internal.PricingService) {
	e.pricing = pricing
}

func (e *Engine) SetAuthorizer(authorizer *Authorizer) {
	e.authorizer = authorizer
}

// SetParameters sets debug mode and the registration policy for charge
// points connecting with an unknown identity.
func (e *Engine) SetParameters(debug bool, acceptUnknownChp bool) {
	e.debug = debug
	e.acceptUnknownChp = acceptUnknownChp
}

// OnStart loads the persisted fleet state and seeds the transaction id
// sequence past the last stored transaction.
func (e *Engine) OnStart() error {
	if e.database == nil {
		return nil
	}

	chargePoints, err := e.database.GetChargePoints()
	if err != nil {
		return fmt.Errorf("failed to load charge points from database: %s", err)
	}
	connectors, err := e.database.GetConnectors()
	if err != nil {
		return fmt.Errorf("failed to load connectors from database: %s", err)
	}

	e.mux.Lock()
	for _, cp := range chargePoints {
		state := &chargePointState{
			connectors:   make(map[int]*models.Connector),
			transactions: make(map[int]*models.Transaction),
			model:        cp,
		}
		for _, c := range connectors {
			if c.ChargePointId == cp.Id {
				c.Init()
				state.connectors[c.Id] = c
			}
		}
		e.chargePoints[cp.Id] = state
	}
	e.mux.Unlock()
	e.logger.Debug(fmt.Sprintf("loaded %d charge points, %d connectors from database", len(chargePoints), len(connectors)))

	transaction, err := e.database.GetLastTransaction()
	if err != nil {
		e.logger.Debug("no stored transactions, starting id sequence from 1")
	}
	if transaction != nil {
		e.mux.Lock()
		e.newTransactionId = transaction.Id + 1
		e.mux.Unlock()
	}
	return nil
}

func (e *Engine) addChargePoint(chargePointId, tenant string) *chargePointState {
	cp := models.ChargePoint{
		Id:        chargePointId,
		Tenant:    tenant,
		IsEnabled: true,
		Status:    string(core.ChargePointStatusAvailable),
		ErrorCode: string(core.NoError),
	}
	if e.database != nil {
		if err := e.database.AddChargePoint(&cp); err != nil {
			e.logger.Error("failed to add charge point to database", err)
		}
	}
	state := &chargePointState{
		connectors:   make(map[int]*models.Connector),
		transactions: make(map[int]*models.Transaction),
		model:        cp,
	}
	e.chargePoints[chargePointId] = state
	return state
}

func (e *Engine) getChargePoint(chargePointId, tenant string) (*chargePointState, bool) {
	e.mux.Lock()
	defer e.mux.Unlock()
	state, ok := e.chargePoints[chargePointId]
	if !ok {
		e.logger.Warn(fmt.Sprintf("unknown charging point: %s", chargePointId))
		if e.debug || e.acceptUnknownChp {
			state = e.addChargePoint(chargePointId, tenant)
			ok = true
		}
	}
	return state, ok
}

func (e *Engine) getConnector(state *chargePointState, id int) *models.Connector {
	e.mux.Lock()
	defer e.mux.Unlock()
	connector, ok := state.connectors[id]
	if !ok {
		connector = models.NewConnector(id, state.model.Id)
		state.connectors[id] = connector
		if e.database != nil {
			if err := e.database.AddConnector(connector); err != nil {
				e.logger.Error("failed to add connector to database", err)
			}
		}
	}
	return connector
}

func (e *Engine) getTransaction(state *chargePointState, id int) (*models.Transaction, bool) {
	e.mux.Lock()
	transaction, ok := state.transactions[id]
	e.mux.Unlock()
	if !ok && e.database != nil {
		stored, err := e.database.GetTransaction(id)
		if err == nil && stored != nil {
			stored.Init()
			e.mux.Lock()
			state.transactions[id] = stored
			e.mux.Unlock()
			return stored, true
		}
	}
	return transaction, ok
}

func (e *Engine) nextId() int {
	e.mux.Lock()
	defer e.mux.Unlock()
	id := e.newTransactionId
	e.newTransactionId += 1
	return id
}

func (e *Engine) countActive() int {
	e.mux.Lock()
	defer e.mux.Unlock()
	count := 0
	for _, state := range e.chargePoints {
		for _, t := range state.transactions {
			if t.IsActive() {
				count++
			}
		}
	}
	return count
}

func (e *Engine) OnBootNotification(chargePointId, tenant string, request *core.BootNotificationRequest) (*core.BootNotificationResponse, error) {
	regStatus := core.RegistrationStatusAccepted
	state, ok := e.getChargePoint(chargePointId, tenant)
	if ok {
		state.model.SerialNumber = request.ChargePointSerialNumber
		state.model.FirmwareVersion = request.FirmwareVersion
		state.model.Model = request.ChargePointModel
		state.model.Vendor = request.ChargePointVendor
		state.model.LastBoot = time.Now().In(e.location).Format(time.RFC3339)
		if tenant != "" {
			state.model.Tenant = tenant
		}
		if e.database != nil {
			if err := e.database.UpdateChargePoint(&state.model); err != nil {
				e.logger.Error("update charge point", err)
			}
		}
	} else {
		regStatus = core.RegistrationStatusRejected
		e.logger.Debug(fmt.Sprintf("charge point %s not registered", chargePointId))
	}

	e.logger.FeatureEvent(request.GetFeatureName(), chargePointId, string(regStatus))
	return core.NewBootNotificationResponse(types.NewDateTime(time.Now()), defaultHeartbeatInterval, regStatus), nil
}

func (e *Engine) OnAuthorize(chargePointId string, request *core.AuthorizeRequest) (*core.AuthorizeResponse, error) {
	idTag := request.IdTag.String()
	result := e.authorizer.Authorize(chargePointId, idTag)

	state, ok := e.getChargePoint(chargePointId, "")
	if ok && !state.model.IsEnabled && result.Status == types.AuthorizationStatusAccepted {
		result.Status = types.AuthorizationStatusBlocked
	}

	if e.eventHandler != nil {
		username := ""
		if result.Tag != nil {
			username = result.Tag.Username
		}
		e.eventHandler.OnAuthorize(&internal.EventMessage{
			ChargePointId: chargePointId,
			Time:          time.Now(),
			Username:      username,
			IdTag:         idTag,
			Status:        string(result.Status),
		})
	}

	e.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("id tag: %s; authorization status: %s", idTag, result.Status))
	return core.NewAuthorizationResponse(types.NewIdTagInfo(result.Status)), nil
}

func (e *Engine) OnHeartbeat(chargePointId string, request *core.HeartbeatRequest) (*core.HeartbeatResponse, error) {
	e.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("%v", time.Now()))
	return core.NewHeartbeatResponse(types.NewDateTime(time.Now())), nil
}

func (e *Engine) OnStartTransaction(chargePointId string, request *core.StartTransactionRequest) (*core.StartTransactionResponse, error) {
	state, ok := e.getChargePoint(chargePointId, "")
	if !ok {
		return core.NewStartTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusBlocked), 0), nil
	}

	// boundary validation before any state mutation
	if !request.ConnectorId.Valid || !request.MeterStart.Valid || request.Timestamp == nil {
		e.logger.Warn(fmt.Sprintf("start transaction from %s rejected: malformed connector or meter value", chargePointId))
		return core.NewStartTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusInvalid), 0), nil
	}

	idTag := request.IdTag.String()
	auth := e.authorizer.Authorize(chargePointId, idTag)
	if auth.Status != types.AuthorizationStatusAccepted {
		e.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("id tag %s rejected: %s", idTag, auth.Status))
		return core.NewStartTransactionResponse(types.NewIdTagInfo(auth.Status), 0), nil
	}

	connector := e.getConnector(state, request.ConnectorId.Value)
	connector.Lock()
	defer connector.Unlock()

	// a still-open transaction on this connector is ended by the new start
	if connector.CurrentTransactionId >= 0 {
		if prior, found := e.getTransaction(state, connector.CurrentTransactionId); found && prior.IsActive() {
			e.logger.Warn(fmt.Sprintf("%s@%d is still busy with transaction %d, closing it", chargePointId, connector.Id, prior.Id))
			e.closeReplaced(prior, request.Timestamp.Time)
		}
		connector.CurrentTransactionId = -1
	}

	transaction := &models.Transaction{
		Id:             e.nextId(),
		Tenant:         state.model.Tenant,
		Status:         models.TransactionStatusActive,
		ChargePointId:  chargePointId,
		ConnectorId:    connector.Id,
		IdTag:          idTag,
		MeterStart:     request.MeterStart.Value,
		TimeStart:      request.Timestamp.Time,
		LastMeterValue: request.MeterStart.Value,
		LastMeterTime:  request.Timestamp.Time,
	}
	transaction.Init()
	if auth.Tag != nil {
		transaction.Username = auth.Tag.Username
		transaction.IdTagNote = auth.Tag.Note
	}

	// the meter start doubles as the first sample of the session
	begin := models.NewMeter(transaction.Id, connector.Id, transaction.TimeStart)
	begin.Value = transaction.MeterStart
	begin.Unit = string(types.UnitOfMeasureWh)
	begin.Context = string(types.ReadingContextTransactionBegin)
	transaction.MeterValues = append(transaction.MeterValues, *begin)

	connector.CurrentTransactionId = transaction.Id
	e.mux.Lock()
	state.transactions[transaction.Id] = transaction
	e.mux.Unlock()

	if e.database != nil {
		if err := e.database.UpdateConnector(connector); err != nil {
			e.logger.Error("update connector", err)
		}
		if err := e.database.AddTransaction(transaction); err != nil {
			e.logger.Error("add transaction", err)
		}
		if err := e.database.AddTransactionMeter(begin); err != nil {
			e.logger.Error("add meter value", err)
		}
	}

	if e.eventHandler != nil {
		e.eventHandler.OnTransactionStart(&internal.EventMessage{
			ChargePointId: chargePointId,
			ConnectorId:   transaction.ConnectorId,
			Time:          transaction.TimeStart,
			Username:      transaction.Username,
			IdTag:         transaction.IdTag,
			Status:        connector.Status,
			TransactionId: transaction.Id,
		})
	}
	counters.ObserveTransactions(chargePointId, e.countActive())

	e.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("started transaction #%v for connector %v", transaction.Id, transaction.ConnectorId))
	return core.NewStartTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusAccepted), transaction.Id), nil
}

func (e *Engine) OnStopTransaction(chargePointId string, request *core.StopTransactionRequest) (*core.StopTransactionResponse, error) {
	state, ok := e.getChargePoint(chargePointId, "")
	if !ok {
		return core.NewStopTransactionResponse(), nil
	}

	if !request.TransactionId.Valid || !request.MeterStop.Valid || request.Timestamp == nil {
		e.logger.Warn(fmt.Sprintf("stop transaction from %s rejected: malformed transaction or meter value", chargePointId))
		response := core.NewStopTransactionResponse()
		response.IdTagInfo = types.NewIdTagInfo(types.AuthorizationStatusInvalid)
		return response, nil
	}

	transaction, found := e.getTransaction(state, request.TransactionId.Value)
	if !found {
		e.logger.Warn(fmt.Sprintf("transaction #%v not found", request.TransactionId.Value))
		return core.NewStopTransactionResponse(), nil
	}

	idTagStatus := types.AuthorizationStatusAccepted
	stopIdTag := request.IdTag.String()
	if stopIdTag != "" {
		auth := e.authorizer.Authorize(chargePointId, stopIdTag)
		idTagStatus = auth.Status
	}

	// samples replayed in the stop request must be well-formed before the
	// transaction is allowed to finish
	if request.TransactionData != nil {
		if err := validateTransactionData(request.TransactionData); err != nil {
			e.logger.Warn(fmt.Sprintf("transaction #%v stop rejected: %s", transaction.Id, err))
			response := core.NewStopTransactionResponse()
			response.IdTagInfo = types.NewIdTagInfo(types.AuthorizationStatusInvalid)
			return response, nil
		}
	}

	transaction.Lock()

	if !transaction.IsActive() {
		// a terminal state that never reached the store is written now,
		// before the repeated stop is acknowledged
		if transaction.NeedsSave() && e.database != nil {
			if err := e.database.UpdateTransaction(transaction); err != nil {
				transaction.Unlock()
				return nil, fmt.Errorf("transaction #%v stop not persisted: %w", transaction.Id, err)
			}
			transaction.MarkSaved()
		}
		transaction.Unlock()
		e.logger.Warn(fmt.Sprintf("transaction #%v is already finished", transaction.Id))
		response := core.NewStopTransactionResponse()
		response.IdTagInfo = types.NewIdTagInfo(idTagStatus)
		return response, nil
	}

	for _, value := range sortedByTime(request.TransactionData) {
		e.applyMeterValue(transaction, &value)
	}

	transaction.StopIdTag = stopIdTag
	transaction.Reason = string(request.Reason)
	e.finishTransaction(transaction, request.MeterStop.Value, request.Timestamp.Time, models.TransactionStatusCompleted)

	// the authoritative write must succeed before the charge point gets an
	// Accepted: an error here propagates instead of acknowledging data loss
	if e.database != nil {
		if err := e.database.UpdateTransaction(transaction); err != nil {
			transaction.MarkUnsaved()
			transaction.Unlock()
			return nil, fmt.Errorf("transaction #%v stop not persisted: %w", transaction.Id, err)
		}
	}
	transactionId := transaction.Id
	connectorId := transaction.ConnectorId
	timeStop := transaction.TimeStop
	username := transaction.Username
	idTag := transaction.IdTag
	totalConsumption := transaction.TotalConsumption
	transaction.Unlock()

	// the connector is released only by the transaction it points at; a late
	// stop for a replaced transaction must not detach its successor
	connector := e.getConnector(state, connectorId)
	connector.Lock()
	if connector.CurrentTransactionId == transactionId {
		connector.CurrentTransactionId = -1
		if e.database != nil {
			if err := e.database.UpdateConnector(connector); err != nil {
				e.logger.Error("update connector", err)
			}
		}
	}
	connectorStatus := connector.Status
	connector.Unlock()

	if e.eventHandler != nil {
		e.eventHandler.OnTransactionStop(&internal.EventMessage{
			ChargePointId: chargePointId,
			ConnectorId:   connectorId,
			Time:          timeStop,
			Username:      username,
			IdTag:         idTag,
			Status:        connectorStatus,
			TransactionId: transactionId,
			Info:          fmt.Sprintf("consumed %d Wh", totalConsumption),
		})
	}
	counters.ObserveTransactions(chargePointId, e.countActive())
	counters.CountConsumedPower(chargePointId, float64(totalConsumption))

	e.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("stopped transaction %v %v", transactionId, request.Reason))
	response := core.NewStopTransactionResponse()
	response.IdTagInfo = types.NewIdTagInfo(idTagStatus)
	return response, nil
}

func (e *Engine) OnMeterValues(chargePointId string, request *core.MeterValuesRequest) (*core.MeterValuesResponse, error) {
	state, ok := e.getChargePoint(chargePointId, "")
	if !ok {
		return core.NewMeterValuesResponse(), nil
	}

	transactionId := -1
	if request.TransactionId != nil && request.TransactionId.Valid {
		transactionId = request.TransactionId.Value
	} else if request.ConnectorId.Valid {
		// some firmwares omit the transaction id; fall back to the
		// connector's running transaction
		connector := e.getConnector(state, request.ConnectorId.Value)
		connector.Lock()
		transactionId = connector.CurrentTransactionId
		connector.Unlock()
	}
	if transactionId < 0 {
		e.logger.Warn(fmt.Sprintf("meter values from %s without a matching transaction", chargePointId))
		return core.NewMeterValuesResponse(), nil
	}

	transaction, found := e.getTransaction(state, transactionId)
	if !found {
		e.logger.Warn(fmt.Sprintf("meter values for unknown transaction #%v", transactionId))
		return core.NewMeterValuesResponse(), nil
	}

	transaction.Lock()
	if transaction.IsActive() {
		for _, value := range sortedByTime(request.MeterValue) {
			e.applyMeterValue(transaction, &value)
		}
		if e.database != nil {
			if err := e.database.UpdateTransaction(transaction); err != nil {
				e.logger.Error("update transaction", err)
			}
		}
		counters.ObservePowerRate(chargePointId, strconv.Itoa(transaction.ConnectorId), float64(transaction.CurrentPower))
	} else {
		e.logger.Warn(fmt.Sprintf("meter values for finished transaction #%v ignored", transactionId))
	}
	transaction.Unlock()

	e.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("received meter values for transaction #%v", transactionId))
	return core.NewMeterValuesResponse(), nil
}

func (e *Engine) OnStatusNotification(chargePointId string, request *core.StatusNotificationRequest) (*core.StatusNotificationResponse, error) {
	state, ok := e.getChargePoint(chargePointId, "")
	if !ok {
		return core.NewStatusNotificationResponse(), nil
	}

	currentTransactionId := -1
	if request.ConnectorId.Valid && request.ConnectorId.Value > 0 {
		connector := e.getConnector(state, request.ConnectorId.Value)
		connector.Lock()
		connector.Status = string(request.Status)
		connector.Info = request.Info
		connector.VendorId = request.VendorId
		connector.ErrorCode = string(request.ErrorCode)
		// monotonic by arrival: the freshest notification wins even if its
		// embedded timestamp is older than the recorded one
		connector.StatusTime = time.Now()
		if request.Timestamp != nil {
			connector.StatusTime = request.Timestamp.Time
		}

		if request.Status == core.ChargePointStatusAvailable && connector.CurrentTransactionId >= 0 {
			e.closeOrphaned(state, connector, connector.CurrentTransactionId)
			connector.CurrentTransactionId = -1
		}
		currentTransactionId = connector.CurrentTransactionId

		if e.database != nil {
			if err := e.database.UpdateConnector(connector); err != nil {
				e.logger.Error("update status", err)
			}
		}
		connector.Unlock()
		e.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("updated connector #%v status to %v", request.ConnectorId.Value, request.Status))
	} else {
		state.model.Status = string(request.Status)
		state.model.ErrorCode = string(request.ErrorCode)
		if e.database != nil {
			if err := e.database.UpdateChargePoint(&state.model); err != nil {
				e.logger.Error("update status", err)
			}
		}
		e.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("updated main controller status to %v", request.Status))
	}

	if string(request.ErrorCode) != string(core.NoError) {
		counters.ObserveError(chargePointId, string(request.ErrorCode))
	}

	if e.eventHandler != nil {
		connectorId := 0
		if request.ConnectorId.Valid {
			connectorId = request.ConnectorId.Value
		}
		e.eventHandler.OnStatusNotification(&internal.EventMessage{
			ChargePointId: chargePointId,
			ConnectorId:   connectorId,
			Time:          time.Now(),
			Status:        string(request.Status),
			TransactionId: currentTransactionId,
		})
	}
	return core.NewStatusNotificationResponse(), nil
}

func (e *Engine) OnDataTransfer(chargePointId string, request *core.DataTransferRequest) (*core.DataTransferResponse, error) {
	_, ok := e.getChargePoint(chargePointId, "")
	if !ok {
		return core.NewDataTransferResponse(core.DataTransferStatusRejected), nil
	}
	e.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("received data #%v", request.Data))
	return core.NewDataTransferResponse(core.DataTransferStatusAccepted), nil
}

func (e *Engine) OnDiagnosticsStatusNotification(chargePointId string, request *firmware.DiagnosticsStatusNotificationRequest) (*firmware.DiagnosticsStatusNotificationResponse, error) {
	state, ok := e.getChargePoint(chargePointId, "")
	if ok {
		state.diagnosticsStatus = request.Status
		e.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("updated diagnostic status to %v", request.Status))
	}
	return firmware.NewDiagnosticsStatusNotificationResponse(), nil
}

func (e *Engine) OnFirmwareStatusNotification(chargePointId string, request *firmware.StatusNotificationRequest) (*firmware.StatusNotificationResponse, error) {
	state, ok := e.getChargePoint(chargePointId, "")
	if ok {
		state.firmwareStatus = request.Status
		e.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("updated firmware status to %v", request.Status))
	}
	return firmware.NewStatusNotificationResponse(), nil
}

// ActiveTransactionOnConnector reports the running transaction for a
// connector, used when relaying a remote stop.
func (e *Engine) ActiveTransactionOnConnector(chargePointId string, connectorId int) (int, bool) {
	e.mux.Lock()
	var connector *models.Connector
	if state, ok := e.chargePoints[chargePointId]; ok {
		connector = state.connectors[connectorId]
	}
	e.mux.Unlock()
	if connector == nil {
		return 0, false
	}
	connector.Lock()
	transactionId := connector.CurrentTransactionId
	connector.Unlock()
	if transactionId < 0 {
		return 0, false
	}
	return transactionId, true
}

// applyMeterValue folds one protocol meter value into the running
// transaction state. The caller holds the transaction lock.
func (e *Engine) applyMeterValue(transaction *models.Transaction, value *types.MeterValue) {
	if value.Timestamp == nil {
		return
	}
	ts := value.Timestamp.Time
	for i := range value.SampledValue {
		sv := &value.SampledValue[i]
		// clock-context samples (the Keba quirk) never touch the
		// consumption or inactivity bookkeeping
		if sv.Context == types.ReadingContextSampleClock {
			continue
		}
		if sv.IsEnergyRegister() {
			raw, parsed := utility.ToInt(sv.Value)
			if !parsed {
				e.logger.Warn(fmt.Sprintf("transaction #%v: unreadable energy sample %q", transaction.Id, sv.Value))
				continue
			}
			if sv.Unit == types.UnitOfMeasureKWh {
				raw = raw * 1000
			}
			e.applyEnergySample(transaction, raw, ts, sv.Context)
		} else if sv.Measurand == types.MeasurandSoC {
			soc, parsed := utility.ToInt(sv.Value)
			if !parsed {
				continue
			}
			e.applySoCSample(transaction, soc, ts, sv.Context)
		}
		// other measurands are accepted and ignored
	}
}

func (e *Engine) applyEnergySample(transaction *models.Transaction, value int, ts time.Time, context types.ReadingContext) {
	interval := int(ts.Sub(transaction.LastMeterTime).Seconds())
	if interval < 0 {
		// stale sample from before the current boundary; keep the sequence
		// monotone by arrival and skip the accumulation
		return
	}

	delta := value - transaction.LastMeterValue
	if delta < 0 {
		// register regressed: sensor reset, never subtract
		delta = 0
	}
	if interval > 0 {
		if delta == 0 {
			transaction.TotalInactivitySecs += interval
			transaction.CurrentPower = 0
		} else {
			transaction.CurrentPower = delta * 3600 / interval
		}
		transaction.LastMeterTime = ts
	}
	transaction.CurrentConsumption += delta
	transaction.LastMeterValue = value

	meter := models.NewMeter(transaction.Id, transaction.ConnectorId, ts)
	meter.Value = value
	meter.Delta = delta
	meter.PowerRate = transaction.CurrentPower
	meter.Unit = string(types.UnitOfMeasureWh)
	meter.Context = string(context)
	transaction.MeterValues = append(transaction.MeterValues, *meter)
	if e.database != nil {
		if err := e.database.AddTransactionMeter(meter); err != nil {
			e.logger.Error("add meter value", err)
		}
	}
}

func (e *Engine) applySoCSample(transaction *models.Transaction, soc int, ts time.Time, context types.ReadingContext) {
	value := soc
	transaction.CurrentSoC = &value
	if context == types.ReadingContextTransactionBegin || transaction.SoCStart == nil {
		transaction.SoCStart = &value
	}
	if context == types.ReadingContextTransactionEnd {
		transaction.SoCEnd = &value
	}
	if len(transaction.MeterValues) > 0 {
		last := &transaction.MeterValues[len(transaction.MeterValues)-1]
		if last.Time.Equal(ts) {
			last.SoC = &value
			return
		}
	}
	meter := models.NewMeter(transaction.Id, transaction.ConnectorId, ts)
	meter.Value = transaction.LastMeterValue
	meter.SoC = &value
	meter.Unit = string(types.UnitOfMeasurePercent)
	meter.Context = string(context)
	transaction.MeterValues = append(transaction.MeterValues, *meter)
}

// finishTransaction writes the terminal state. The caller holds the
// transaction lock.
func (e *Engine) finishTransaction(transaction *models.Transaction, meterStop int, ts time.Time, status models.TransactionStatus) {
	// the stop meter reading is the last sample of the session
	e.applyEnergySample(transaction, meterStop, ts, types.ReadingContextTransactionEnd)

	transaction.MeterStop = meterStop
	transaction.TimeStop = ts
	transaction.TotalConsumption = meterStop - transaction.MeterStart
	if transaction.TotalConsumption < 0 {
		transaction.TotalConsumption = 0
	}
	transaction.TotalDurationSecs = int(ts.Sub(transaction.TimeStart).Seconds())
	if transaction.TotalDurationSecs < 0 {
		transaction.TotalDurationSecs = 0
	}
	if transaction.TotalInactivitySecs > transaction.TotalDurationSecs {
		transaction.TotalInactivitySecs = transaction.TotalDurationSecs
	}
	transaction.CurrentPower = 0
	transaction.Status = status
	if transaction.SoCEnd == nil && transaction.CurrentSoC != nil {
		transaction.SoCEnd = transaction.CurrentSoC
	}

	// the rate is read at stop time, not frozen at start
	if e.pricing != nil {
		pricing, err := e.pricing.CurrentRate(transaction.Tenant)
		if err != nil {
			e.logger.Error("pricing lookup", err)
		} else if pricing != nil {
			price := float64(transaction.TotalConsumption) / 1000 * pricing.PricePerKwh
			transaction.Price = math.Round(price*100) / 100
			transaction.PriceCurrency = pricing.Currency
			transaction.PriceSource = pricing.Source
		}
	}
}

// closeReplaced ends a transaction left open on a connector that just
// accepted a new start: zero consumption from its own meter start to now.
func (e *Engine) closeReplaced(transaction *models.Transaction, ts time.Time) {
	transaction.Lock()
	defer transaction.Unlock()
	if !transaction.IsActive() {
		return
	}
	transaction.Reason = ReasonReplaced
	e.finishTransaction(transaction, transaction.MeterStart, ts, models.TransactionStatusInError)
	transaction.TotalConsumption = 0
	if e.database != nil {
		if err := e.database.UpdateTransaction(transaction); err != nil {
			transaction.MarkUnsaved()
			e.logger.Error("update replaced transaction", err)
		}
	}
}

// closeOrphaned ends a transaction whose connector reported Available
// without a StopTransaction ever arriving. The caller holds the connector
// lock.
func (e *Engine) closeOrphaned(state *chargePointState, connector *models.Connector, transactionId int) {
	transaction, found := e.getTransaction(state, transactionId)
	if !found {
		return
	}
	transaction.Lock()
	defer transaction.Unlock()
	if !transaction.IsActive() {
		return
	}
	e.logger.Warn(fmt.Sprintf("connector %s@%d reported Available with running transaction #%v, closing it", connector.ChargePointId, connector.Id, transactionId))
	transaction.Reason = ReasonInferredStop
	e.finishTransaction(transaction, transaction.LastMeterValue, time.Now(), models.TransactionStatusInError)
	if e.database != nil {
		if err := e.database.UpdateTransaction(transaction); err != nil {
			transaction.MarkUnsaved()
			e.logger.Error("update orphaned transaction", err)
		}
	}
	counters.ObserveTransactions(connector.ChargePointId, e.countActive())
}

func validateTransactionData(data []types.MeterValue) error {
	for i := range data {
		value := &data[i]
		if value.Timestamp == nil {
			return utility.Err("transaction data entry without timestamp")
		}
		if len(value.SampledValue) == 0 {
			return utility.Err("transaction data entry without sampled values")
		}
		for j := range value.SampledValue {
			sv := &value.SampledValue[j]
			if sv.Value == "" {
				return utility.Err("transaction data sample without value")
			}
			if sv.IsEnergyRegister() || sv.Measurand == types.MeasurandSoC {
				if _, parsed := utility.ToInt(sv.Value); !parsed {
					return utility.Err(fmt.Sprintf("transaction data sample with unreadable value %q", sv.Value))
				}
			}
		}
	}
	return nil
}

func sortedByTime(values []types.MeterValue) []types.MeterValue {
	if len(values) < 2 {
		return values
	}
	sorted := make([]types.MeterValue, len(values))
	copy(sorted, values)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Timestamp == nil || sorted[j].Timestamp == nil {
			return false
		}
		return sorted[i].Timestamp.Time.Before(sorted[j].Timestamp.Time)
	})
	return sorted
}
