package models

// Pricing is the per-tenant rate applied when a transaction is finalized.
type Pricing struct {
	Tenant      string  `json:"tenant" bson:"tenant"`
	PricePerKwh float64 `json:"price_per_kwh" bson:"price_per_kwh"`
	Currency    string  `json:"currency" bson:"currency"`
	Source      string  `json:"source" bson:"source"`
}
