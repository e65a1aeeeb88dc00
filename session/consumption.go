package session

import (
	"fmt"
	"time"

	"evcharge/models"
	"evcharge/utility"
)

// GetTransaction returns a single transaction, preferring live in-memory
// state over the stored copy. The in-memory hit comes back as a detached
// snapshot, so callers can iterate and serialize it while meter samples
// keep arriving.
func (e *Engine) GetTransaction(id int) (*models.Transaction, error) {
	e.mux.Lock()
	for _, state := range e.chargePoints {
		if transaction, ok := state.transactions[id]; ok {
			e.mux.Unlock()
			return transaction.Snapshot(), nil
		}
	}
	e.mux.Unlock()
	if e.database == nil {
		return nil, utility.Err(fmt.Sprintf("transaction #%v not found", id))
	}
	transaction, err := e.database.GetTransaction(id)
	if err != nil {
		return nil, err
	}
	if transaction == nil {
		return nil, utility.Err(fmt.Sprintf("transaction #%v not found", id))
	}
	transaction.Init()
	return transaction, nil
}

func (e *Engine) GetTransactions(filter models.TransactionFilter, skip, limit int) (int64, []*models.Transaction, error) {
	if e.database == nil {
		return 0, nil, utility.Err("database not available")
	}
	return e.database.GetTransactions(filter, skip, limit)
}

// DeleteTransaction removes a finished transaction and its samples. A
// running transaction cannot be deleted.
func (e *Engine) DeleteTransaction(id int) error {
	transaction, err := e.GetTransaction(id)
	if err != nil {
		return err
	}
	if transaction.IsActive() {
		return utility.Err(fmt.Sprintf("transaction #%v is still active", id))
	}
	if e.database != nil {
		if err = e.database.DeleteTransaction(id); err != nil {
			return err
		}
	}
	e.mux.Lock()
	for _, state := range e.chargePoints {
		delete(state.transactions, id)
	}
	e.mux.Unlock()
	return nil
}

// GetConsumption replays the stored samples of a transaction into a
// consumption curve. The optional window keeps samples with start < t <= end;
// the running total is accumulated over the whole session, so windowing
// narrows the curve without resetting it.
func (e *Engine) GetConsumption(transactionId int, start, end time.Time) ([]models.Consumption, error) {
	transaction, err := e.GetTransaction(transactionId)
	if err != nil {
		return nil, err
	}

	meterValues := transaction.MeterValues
	if len(meterValues) == 0 && e.database != nil {
		meterValues, err = e.database.GetTransactionMeterValues(transactionId)
		if err != nil {
			return nil, err
		}
	}

	cumulated := 0
	result := make([]models.Consumption, 0, len(meterValues))
	for i := range meterValues {
		meter := &meterValues[i]
		cumulated += meter.Delta
		if !start.IsZero() && !meter.Time.After(start) {
			continue
		}
		if !end.IsZero() && meter.Time.After(end) {
			continue
		}
		result = append(result, models.Consumption{
			Date:          meter.Time,
			Value:         meter.Delta,
			Cumulated:     cumulated,
			StateOfCharge: meter.SoC,
		})
	}
	return result, nil
}
