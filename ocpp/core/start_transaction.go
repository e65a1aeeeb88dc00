package core

import "evcharge/types"

const StartTransactionFeatureName = "StartTransaction"

type StartTransactionRequest struct {
	ConnectorId   types.FlexInt    `json:"connectorId" validate:"required"`
	IdTag         types.FlexString `json:"idTag" validate:"required,max=20"`
	MeterStart    types.FlexInt    `json:"meterStart" validate:"required"`
	ReservationId *int             `json:"reservationId,omitempty" validate:"omitempty"`
	Timestamp     *types.DateTime  `json:"timestamp" validate:"required"`
}

type StartTransactionResponse struct {
	IdTagInfo     *types.IdTagInfo `json:"idTagInfo" validate:"required"`
	TransactionId int              `json:"transactionId"`
}

func (req StartTransactionRequest) GetFeatureName() string {
	return StartTransactionFeatureName
}

func (res StartTransactionResponse) GetFeatureName() string {
	return StartTransactionFeatureName
}

func NewStartTransactionResponse(idTagInfo *types.IdTagInfo, transactionId int) *StartTransactionResponse {
	return &StartTransactionResponse{IdTagInfo: idTagInfo, TransactionId: transactionId}
}
