package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"evcharge/internal"
	"evcharge/models"
	"evcharge/utility"
)

// memoryDatabase is an in-memory Database used by the session tests.
type memoryDatabase struct {
	mux          sync.Mutex
	chargePoints map[string]*models.ChargePoint
	connectors   map[string]*models.Connector
	userTags     map[string]*models.UserTag
	transactions map[int]*models.Transaction
	meters       []models.TransactionMeter
	pricing      map[string]*models.Pricing

	// when set, UpdateTransaction fails with this error
	failTransactionWrites error
	transactionWrites     int
}

func newMemoryDatabase() *memoryDatabase {
	return &memoryDatabase{
		chargePoints: make(map[string]*models.ChargePoint),
		connectors:   make(map[string]*models.Connector),
		userTags:     make(map[string]*models.UserTag),
		transactions: make(map[int]*models.Transaction),
		pricing:      make(map[string]*models.Pricing),
	}
}

func (m *memoryDatabase) WriteLogMessage(internal.Data) error { return nil }
func (m *memoryDatabase) ReadLog() (interface{}, error)       { return nil, nil }

func (m *memoryDatabase) GetChargePoints() ([]models.ChargePoint, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	result := make([]models.ChargePoint, 0, len(m.chargePoints))
	for _, cp := range m.chargePoints {
		result = append(result, *cp)
	}
	return result, nil
}

func (m *memoryDatabase) GetChargePoint(id string) (*models.ChargePoint, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	cp, ok := m.chargePoints[id]
	if !ok {
		return nil, utility.Err("charge point not found")
	}
	copied := *cp
	return &copied, nil
}

func (m *memoryDatabase) AddChargePoint(chargePoint *models.ChargePoint) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.chargePoints[chargePoint.Id] = chargePoint
	return nil
}

func (m *memoryDatabase) UpdateChargePoint(chargePoint *models.ChargePoint) error {
	return m.AddChargePoint(chargePoint)
}

func (m *memoryDatabase) GetConnectors() ([]*models.Connector, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	result := make([]*models.Connector, 0, len(m.connectors))
	for _, c := range m.connectors {
		result = append(result, c)
	}
	return result, nil
}

func connectorKey(c *models.Connector) string {
	return fmt.Sprintf("%s*%d", c.ChargePointId, c.Id)
}

func (m *memoryDatabase) AddConnector(connector *models.Connector) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.connectors[connectorKey(connector)] = connector
	return nil
}

func (m *memoryDatabase) UpdateConnector(connector *models.Connector) error {
	return m.AddConnector(connector)
}

func (m *memoryDatabase) GetUserTag(idTag string) (*models.UserTag, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	tag, ok := m.userTags[idTag]
	if !ok {
		return nil, nil
	}
	return tag, nil
}

func (m *memoryDatabase) AddUserTag(userTag *models.UserTag) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if _, ok := m.userTags[userTag.IdTag]; ok {
		return utility.Err("tag already registered")
	}
	m.userTags[userTag.IdTag] = userTag
	return nil
}

func (m *memoryDatabase) UpdateUserTag(userTag *models.UserTag) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.userTags[userTag.IdTag] = userTag
	return nil
}

func (m *memoryDatabase) GetLastTransaction() (*models.Transaction, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	var last *models.Transaction
	for _, t := range m.transactions {
		if last == nil || t.Id > last.Id {
			last = t
		}
	}
	if last == nil {
		return nil, utility.Err("no transactions")
	}
	return last, nil
}

func (m *memoryDatabase) GetTransaction(id int) (*models.Transaction, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, utility.Err("transaction not found")
	}
	return t, nil
}

func (m *memoryDatabase) GetTransactions(filter models.TransactionFilter, skip, limit int) (int64, []*models.Transaction, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	matched := make([]*models.Transaction, 0)
	for _, t := range m.transactions {
		if filter.ChargePointId != "" && t.ChargePointId != filter.ChargePointId {
			continue
		}
		if filter.ConnectorId > 0 && t.ConnectorId != filter.ConnectorId {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if !filter.From.IsZero() && t.TimeStart.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && t.TimeStart.After(filter.To) {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Id > matched[j].Id })
	count := int64(len(matched))
	if skip >= len(matched) {
		return count, nil, nil
	}
	matched = matched[skip:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return count, matched, nil
}

func (m *memoryDatabase) AddTransaction(transaction *models.Transaction) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.transactions[transaction.Id] = transaction
	return nil
}

func (m *memoryDatabase) UpdateTransaction(transaction *models.Transaction) error {
	m.mux.Lock()
	failedWrite := m.failTransactionWrites
	if failedWrite == nil {
		m.transactionWrites++
	}
	m.mux.Unlock()
	if failedWrite != nil {
		return failedWrite
	}
	return m.AddTransaction(transaction)
}

func (m *memoryDatabase) DeleteTransaction(id int) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return utility.Err("transaction not found")
	}
	if t.IsActive() {
		return utility.Err("transaction is active")
	}
	delete(m.transactions, id)
	return nil
}

func (m *memoryDatabase) AddTransactionMeter(meter *models.TransactionMeter) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.meters = append(m.meters, *meter)
	return nil
}

func (m *memoryDatabase) GetTransactionMeterValues(transactionId int) ([]models.TransactionMeter, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	result := make([]models.TransactionMeter, 0)
	for _, meter := range m.meters {
		if meter.TransactionId == transactionId {
			result = append(result, meter)
		}
	}
	return result, nil
}

func (m *memoryDatabase) GetPricing(tenant string) (*models.Pricing, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	p, ok := m.pricing[tenant]
	if !ok {
		return nil, nil
	}
	return p, nil
}

func (m *memoryDatabase) GetSubscriptions() ([]models.UserSubscription, error) { return nil, nil }
func (m *memoryDatabase) AddSubscription(*models.UserSubscription) error       { return nil }
func (m *memoryDatabase) DeleteSubscription(*models.UserSubscription) error    { return nil }

// quietLogger drops everything; the tests assert on state, not logs.
type quietLogger struct{}

func (quietLogger) FeatureEvent(string, string, string) {}
func (quietLogger) Debug(string)                        {}
func (quietLogger) Warn(string)                         {}
func (quietLogger) Error(string, error)                 {}
func (quietLogger) RawDataEvent(string, string)         {}

// recordingEvents collects event messages for assertions.
type recordingEvents struct {
	mux      sync.Mutex
	messages []internal.EventMessage
}

func (r *recordingEvents) record(event *internal.EventMessage) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.messages = append(r.messages, *event)
}

func (r *recordingEvents) OnStatusNotification(event *internal.EventMessage) { r.record(event) }
func (r *recordingEvents) OnTransactionStart(event *internal.EventMessage)   { r.record(event) }
func (r *recordingEvents) OnTransactionStop(event *internal.EventMessage)    { r.record(event) }
func (r *recordingEvents) OnAuthorize(event *internal.EventMessage)          { r.record(event) }
func (r *recordingEvents) OnUnknownTag(event *internal.EventMessage)         { r.record(event) }

func (r *recordingEvents) count() int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return len(r.messages)
}

type fixedPricing struct {
	rate     float64
	currency string
}

func (p fixedPricing) CurrentRate(tenant string) (*models.Pricing, error) {
	return &models.Pricing{Tenant: tenant, PricePerKwh: p.rate, Currency: p.currency, Source: "settings"}, nil
}

func testEngine(db *memoryDatabase) *Engine {
	authorizer := NewAuthorizer()
	authorizer.SetDatabase(db)
	authorizer.SetLogger(quietLogger{})

	engine := NewEngine(time.UTC)
	engine.SetDatabase(db)
	engine.SetLogger(quietLogger{})
	engine.SetAuthorizer(authorizer)
	engine.SetParameters(false, true)
	return engine
}

func enabledTag(db *memoryDatabase, idTag string) {
	db.userTags[idTag] = &models.UserTag{
		IdTag:     idTag,
		Username:  "driver",
		IsEnabled: true,
	}
}
