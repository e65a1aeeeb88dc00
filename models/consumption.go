package models

import "time"

// Consumption is one point of a session consumption curve. Cumulated is the
// running total consumption since the transaction start, never reset by
// query windowing.
type Consumption struct {
	Date          time.Time `json:"date" bson:"date"`
	Value         int       `json:"value" bson:"value"`
	Cumulated     int       `json:"cumulated" bson:"cumulated"`
	StateOfCharge *int      `json:"state_of_charge,omitempty" bson:"state_of_charge,omitempty"`
}
