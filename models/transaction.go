package models

import (
	"sync"
	"time"
)

type TransactionStatus string

const (
	TransactionStatusActive    TransactionStatus = "Active"
	TransactionStatusCompleted TransactionStatus = "Completed"
	TransactionStatusInError   TransactionStatus = "InError"
)

type Transaction struct {
	Id            int               `json:"transaction_id" bson:"transaction_id"`
	Tenant        string            `json:"tenant" bson:"tenant"`
	Status        TransactionStatus `json:"status" bson:"status"`
	ChargePointId string            `json:"charge_point_id" bson:"charge_point_id"`
	ConnectorId   int               `json:"connector_id" bson:"connector_id"`
	IdTag         string            `json:"id_tag" bson:"id_tag"`
	IdTagNote     string            `json:"id_tag_note" bson:"id_tag_note"`
	Username      string            `json:"username" bson:"username"`
	MeterStart    int               `json:"meter_start" bson:"meter_start"`
	TimeStart     time.Time         `json:"time_start" bson:"time_start"`

	// running state, refreshed by every accepted meter sample
	CurrentConsumption  int       `json:"current_consumption" bson:"current_consumption"`
	CurrentPower        int       `json:"current_power" bson:"current_power"`
	TotalInactivitySecs int       `json:"total_inactivity_secs" bson:"total_inactivity_secs"`
	CurrentSoC          *int      `json:"current_soc,omitempty" bson:"current_soc,omitempty"`
	SoCStart            *int      `json:"soc_start,omitempty" bson:"soc_start,omitempty"`
	SoCEnd              *int      `json:"soc_end,omitempty" bson:"soc_end,omitempty"`
	LastMeterValue      int       `json:"last_meter_value" bson:"last_meter_value"`
	LastMeterTime       time.Time `json:"last_meter_time" bson:"last_meter_time"`

	// terminal state, written once on stop
	StopIdTag         string    `json:"stop_id_tag" bson:"stop_id_tag"`
	MeterStop         int       `json:"meter_stop" bson:"meter_stop"`
	TimeStop          time.Time `json:"time_stop" bson:"time_stop"`
	Reason            string    `json:"reason" bson:"reason"`
	TotalConsumption  int       `json:"total_consumption" bson:"total_consumption"`
	TotalDurationSecs int       `json:"total_duration_secs" bson:"total_duration_secs"`
	Price             float64   `json:"price" bson:"price"`
	PriceCurrency     string    `json:"price_currency" bson:"price_currency"`
	PriceSource       string    `json:"price_source" bson:"price_source"`

	MeterValues []TransactionMeter `json:"meter_values" bson:"meter_values"`

	mutex *sync.Mutex

	// set when the terminal state failed to reach the database
	unsaved bool
}

func (t *Transaction) Lock() {
	t.mutex.Lock()
}

func (t *Transaction) Unlock() {
	t.mutex.Unlock()
}

// MarkUnsaved records a failed database write. The caller holds the lock.
func (t *Transaction) MarkUnsaved() {
	t.unsaved = true
}

// MarkSaved clears the failed-write marker. The caller holds the lock.
func (t *Transaction) MarkSaved() {
	t.unsaved = false
}

// NeedsSave reports a pending database write. The caller holds the lock.
func (t *Transaction) NeedsSave() bool {
	return t.unsaved
}

// Snapshot returns a detached copy safe to read and serialize while the
// live transaction keeps receiving meter samples.
func (t *Transaction) Snapshot() *Transaction {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	copied := *t
	copied.MeterValues = make([]TransactionMeter, len(t.MeterValues))
	copy(copied.MeterValues, t.MeterValues)
	copied.mutex = &sync.Mutex{}
	return &copied
}

// Init prepares a transaction loaded from the database for use.
func (t *Transaction) Init() {
	if t.mutex == nil {
		t.mutex = &sync.Mutex{}
	}
}

func (t *Transaction) IsActive() bool {
	return t.Status == TransactionStatusActive
}

type TransactionFilter struct {
	ChargePointId string
	ConnectorId   int
	Status        TransactionStatus
	From          time.Time
	To            time.Time
}
