package internal

import "evcharge/models"

type Database interface {
	WriteLogMessage(data Data) error
	ReadLog() (interface{}, error)

	GetChargePoints() ([]models.ChargePoint, error)
	GetChargePoint(id string) (*models.ChargePoint, error)
	AddChargePoint(chargePoint *models.ChargePoint) error
	UpdateChargePoint(chargePoint *models.ChargePoint) error

	GetConnectors() ([]*models.Connector, error)
	AddConnector(connector *models.Connector) error
	UpdateConnector(connector *models.Connector) error

	GetUserTag(idTag string) (*models.UserTag, error)
	AddUserTag(userTag *models.UserTag) error
	UpdateUserTag(userTag *models.UserTag) error

	GetLastTransaction() (*models.Transaction, error)
	GetTransaction(id int) (*models.Transaction, error)
	GetTransactions(filter models.TransactionFilter, skip, limit int) (int64, []*models.Transaction, error)
	AddTransaction(transaction *models.Transaction) error
	UpdateTransaction(transaction *models.Transaction) error
	DeleteTransaction(id int) error

	AddTransactionMeter(meter *models.TransactionMeter) error
	GetTransactionMeterValues(transactionId int) ([]models.TransactionMeter, error)

	GetPricing(tenant string) (*models.Pricing, error)

	GetSubscriptions() ([]models.UserSubscription, error)
	AddSubscription(subscription *models.UserSubscription) error
	DeleteSubscription(subscription *models.UserSubscription) error
}

type Data interface {
	DataType() string
}
