package models

import "time"

// TransactionMeter is one accepted meter sample of a charging session.
// Value holds the cumulated energy register, Delta the energy consumed
// since the previous accepted sample.
type TransactionMeter struct {
	TransactionId int       `json:"transaction_id" bson:"transaction_id"`
	ConnectorId   int       `json:"connector_id" bson:"connector_id"`
	Value         int       `json:"value" bson:"value"`
	Delta         int       `json:"delta" bson:"delta"`
	PowerRate     int       `json:"power_rate" bson:"power_rate"`
	SoC           *int      `json:"soc,omitempty" bson:"soc,omitempty"`
	Time          time.Time `json:"time" bson:"time"`
	Minute        int64     `json:"minute" bson:"minute"`
	Unit          string    `json:"unit" bson:"unit"`
	Context       string    `json:"context" bson:"context"`
}

func NewMeter(id, connectorId int, timestamp time.Time) *TransactionMeter {
	return &TransactionMeter{
		TransactionId: id,
		ConnectorId:   connectorId,
		Time:          timestamp,
		Minute:        timestamp.Unix() / 60,
	}
}
