package billing

import (
	"sync"
	"time"

	"evcharge/internal"
	"evcharge/models"
)

const cacheTTL = time.Minute

// PricingStore is the slice of the database the tariff service reads.
type PricingStore interface {
	GetPricing(tenant string) (*models.Pricing, error)
}

// TariffService resolves the energy rate applied when a transaction is
// finalized. Rates live in the database per tenant; a tenant without a
// stored rate falls back to the configured default. Lookups are cached for
// a short interval so a burst of stops does not hammer the database.
type TariffService struct {
	database PricingStore
	logger   internal.LogHandler
	fallback models.Pricing
	cache    map[string]cachedRate
	mux      sync.Mutex
	now      func() time.Time
}

type cachedRate struct {
	pricing models.Pricing
	fetched time.Time
}

func NewTariffService(pricePerKwh float64, currency string) *TariffService {
	return &TariffService{
		fallback: models.Pricing{
			PricePerKwh: pricePerKwh,
			Currency:    currency,
			Source:      "settings",
		},
		cache: make(map[string]cachedRate),
		now:   time.Now,
	}
}

func (s *TariffService) SetDatabase(database PricingStore) {
	s.database = database
}

func (s *TariffService) SetLogger(logger internal.LogHandler) {
	s.logger = logger
}

func (s *TariffService) CurrentRate(tenant string) (*models.Pricing, error) {
	s.mux.Lock()
	cached, ok := s.cache[tenant]
	s.mux.Unlock()
	if ok && s.now().Sub(cached.fetched) < cacheTTL {
		result := cached.pricing
		return &result, nil
	}

	pricing := s.lookup(tenant)
	s.mux.Lock()
	s.cache[tenant] = cachedRate{pricing: pricing, fetched: s.now()}
	s.mux.Unlock()
	result := pricing
	return &result, nil
}

func (s *TariffService) lookup(tenant string) models.Pricing {
	if s.database == nil {
		return s.withTenant(tenant, s.fallback)
	}
	stored, err := s.database.GetPricing(tenant)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("pricing lookup", err)
		}
		return s.withTenant(tenant, s.fallback)
	}
	if stored == nil || stored.PricePerKwh <= 0 {
		return s.withTenant(tenant, s.fallback)
	}
	stored.Source = "tariff"
	return *stored
}

func (s *TariffService) withTenant(tenant string, pricing models.Pricing) models.Pricing {
	pricing.Tenant = tenant
	return pricing
}
