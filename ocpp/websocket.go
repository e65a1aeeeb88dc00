package ocpp

type WebSocket interface {
	ID() string
	Tenant() string
	UniqueId() string
	SetUniqueId(uniqueId string)
	IsClosed() bool
}
