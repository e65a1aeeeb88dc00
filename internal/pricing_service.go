package internal

import "evcharge/models"

// PricingService is consulted at transaction stop time; the rate is not
// frozen at transaction start.
type PricingService interface {
	CurrentRate(tenant string) (*models.Pricing, error)
}
