package server

import (
	"encoding/xml"
	"fmt"
	"time"

	"evcharge/internal"
	"evcharge/ocpp"
	"evcharge/ocpp/core"
	"evcharge/types"
	"evcharge/utility"
)

// SoapCodec translates OCPP 1.5 SOAP envelopes into the same request and
// response types the OCPP-J path uses, so legacy stations share one engine.
type SoapCodec struct {
	logger   internal.LogHandler
	dispatch func(chargePointId, tenant string, request ocpp.Request) (ocpp.Response, error)
}

func NewSoapCodec(logger internal.LogHandler) *SoapCodec {
	return &SoapCodec{logger: logger}
}

func (c *SoapCodec) SetDispatcher(dispatch func(chargePointId, tenant string, request ocpp.Request) (ocpp.Response, error)) {
	c.dispatch = dispatch
}

type soapEnvelope struct {
	XMLName xml.Name   `xml:"Envelope"`
	Header  soapHeader `xml:"Header"`
	Body    soapBody   `xml:"Body"`
}

type soapHeader struct {
	ChargeBoxIdentity string `xml:"chargeBoxIdentity"`
	Action            string `xml:"Action"`
	MessageID         string `xml:"MessageID"`
}

type soapBody struct {
	Inner []byte `xml:",innerxml"`
}

type soapValue struct {
	Value     string `xml:",chardata"`
	Context   string `xml:"context,attr"`
	Measurand string `xml:"measurand,attr"`
	Unit      string `xml:"unit,attr"`
}

type soapMeterEntry struct {
	Timestamp string      `xml:"timestamp"`
	Values    []soapValue `xml:"value"`
}

type soapBootNotification struct {
	ChargePointVendor       string `xml:"chargePointVendor"`
	ChargePointModel        string `xml:"chargePointModel"`
	ChargePointSerialNumber string `xml:"chargePointSerialNumber"`
	FirmwareVersion         string `xml:"firmwareVersion"`
}

type soapAuthorize struct {
	IdTag string `xml:"idTag"`
}

type soapStartTransaction struct {
	ConnectorId string `xml:"connectorId"`
	IdTag       string `xml:"idTag"`
	Timestamp   string `xml:"timestamp"`
	MeterStart  string `xml:"meterStart"`
}

type soapStopTransaction struct {
	TransactionId   string           `xml:"transactionId"`
	IdTag           string           `xml:"idTag"`
	Timestamp       string           `xml:"timestamp"`
	MeterStop       string           `xml:"meterStop"`
	Reason          string           `xml:"reason"`
	TransactionData []soapMeterEntry `xml:"transactionData>values"`
}

type soapMeterValues struct {
	ConnectorId   string           `xml:"connectorId"`
	TransactionId string           `xml:"transactionId"`
	Values        []soapMeterEntry `xml:"values"`
}

type soapStatusNotification struct {
	ConnectorId string `xml:"connectorId"`
	Status      string `xml:"status"`
	ErrorCode   string `xml:"errorCode"`
	Info        string `xml:"info"`
	Timestamp   string `xml:"timestamp"`
	VendorId    string `xml:"vendorId"`
}

// Handle decodes one SOAP envelope, routes the request through the shared
// dispatcher and renders the reply envelope.
func (c *SoapCodec) Handle(tenant string, data []byte) ([]byte, error) {
	var envelope soapEnvelope
	if err := xml.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed soap envelope: %w", err)
	}
	chargePointId := envelope.Header.ChargeBoxIdentity
	if chargePointId == "" {
		return nil, utility.Err("soap request without chargeBoxIdentity")
	}

	request, err := c.parseBody(envelope.Header.Action, envelope.Body.Inner)
	if err != nil {
		return nil, err
	}
	if c.dispatch == nil {
		return nil, utility.Err("soap dispatcher is not configured")
	}
	response, err := c.dispatch(chargePointId, tenant, request)
	if err != nil {
		return nil, err
	}
	return c.renderResponse(chargePointId, envelope.Header.MessageID, response)
}

func (c *SoapCodec) parseBody(action string, body []byte) (ocpp.Request, error) {
	switch action {
	case "/" + core.BootNotificationFeatureName, core.BootNotificationFeatureName:
		var payload soapBootNotification
		if err := xml.Unmarshal(body, &payload); err != nil {
			return nil, err
		}
		return &core.BootNotificationRequest{
			ChargePointVendor:       payload.ChargePointVendor,
			ChargePointModel:        payload.ChargePointModel,
			ChargePointSerialNumber: payload.ChargePointSerialNumber,
			FirmwareVersion:         payload.FirmwareVersion,
		}, nil
	case "/" + core.AuthorizeFeatureName, core.AuthorizeFeatureName:
		var payload soapAuthorize
		if err := xml.Unmarshal(body, &payload); err != nil {
			return nil, err
		}
		return &core.AuthorizeRequest{IdTag: types.FlexString(payload.IdTag)}, nil
	case "/" + core.HeartbeatFeatureName, core.HeartbeatFeatureName:
		return &core.HeartbeatRequest{}, nil
	case "/" + core.StartTransactionFeatureName, core.StartTransactionFeatureName:
		var payload soapStartTransaction
		if err := xml.Unmarshal(body, &payload); err != nil {
			return nil, err
		}
		return &core.StartTransactionRequest{
			ConnectorId: soapInt(payload.ConnectorId),
			IdTag:       types.FlexString(payload.IdTag),
			MeterStart:  soapInt(payload.MeterStart),
			Timestamp:   soapTime(payload.Timestamp),
		}, nil
	case "/" + core.StopTransactionFeatureName, core.StopTransactionFeatureName:
		var payload soapStopTransaction
		if err := xml.Unmarshal(body, &payload); err != nil {
			return nil, err
		}
		return &core.StopTransactionRequest{
			TransactionId:   soapInt(payload.TransactionId),
			IdTag:           types.FlexString(payload.IdTag),
			MeterStop:       soapInt(payload.MeterStop),
			Timestamp:       soapTime(payload.Timestamp),
			Reason:          core.Reason(payload.Reason),
			TransactionData: soapMeterList(payload.TransactionData),
		}, nil
	case "/" + core.MeterValuesFeatureName, core.MeterValuesFeatureName:
		var payload soapMeterValues
		if err := xml.Unmarshal(body, &payload); err != nil {
			return nil, err
		}
		request := &core.MeterValuesRequest{
			ConnectorId: soapInt(payload.ConnectorId),
			MeterValue:  soapMeterList(payload.Values),
		}
		if payload.TransactionId != "" {
			id := soapInt(payload.TransactionId)
			request.TransactionId = &id
		}
		return request, nil
	case "/" + core.StatusNotificationFeatureName, core.StatusNotificationFeatureName:
		var payload soapStatusNotification
		if err := xml.Unmarshal(body, &payload); err != nil {
			return nil, err
		}
		return &core.StatusNotificationRequest{
			ConnectorId: soapInt(payload.ConnectorId),
			Status:      core.GetStatus(payload.Status),
			ErrorCode:   core.GetErrorCode(payload.ErrorCode),
			Info:        payload.Info,
			Timestamp:   soapTime(payload.Timestamp),
			VendorId:    payload.VendorId,
		}, nil
	}
	return nil, utility.Err(fmt.Sprintf("unsupported soap action: %s", action))
}

type soapIdTagInfo struct {
	Status string `xml:"status"`
}

type soapBootResponse struct {
	XMLName           xml.Name `xml:"bootNotificationResponse"`
	Status            string   `xml:"status"`
	CurrentTime       string   `xml:"currentTime"`
	HeartbeatInterval int      `xml:"heartbeatInterval"`
}

type soapAuthorizeResponse struct {
	XMLName   xml.Name      `xml:"authorizeResponse"`
	IdTagInfo soapIdTagInfo `xml:"idTagInfo"`
}

type soapHeartbeatResponse struct {
	XMLName     xml.Name `xml:"heartbeatResponse"`
	CurrentTime string   `xml:"currentTime"`
}

type soapStartResponse struct {
	XMLName       xml.Name      `xml:"startTransactionResponse"`
	TransactionId int           `xml:"transactionId"`
	IdTagInfo     soapIdTagInfo `xml:"idTagInfo"`
}

type soapStopResponse struct {
	XMLName   xml.Name       `xml:"stopTransactionResponse"`
	IdTagInfo *soapIdTagInfo `xml:"idTagInfo,omitempty"`
}

type soapEmptyResponse struct {
	XMLName xml.Name
}

func toSoapResponse(response ocpp.Response) interface{} {
	switch r := response.(type) {
	case *core.BootNotificationResponse:
		return soapBootResponse{
			Status:            string(r.Status),
			CurrentTime:       r.CurrentTime.Format(time.RFC3339),
			HeartbeatInterval: r.Interval,
		}
	case *core.AuthorizeResponse:
		return soapAuthorizeResponse{IdTagInfo: soapIdTagInfo{Status: string(r.IdTagInfo.Status)}}
	case *core.HeartbeatResponse:
		return soapHeartbeatResponse{CurrentTime: r.CurrentTime.Format(time.RFC3339)}
	case *core.StartTransactionResponse:
		return soapStartResponse{
			TransactionId: r.TransactionId,
			IdTagInfo:     soapIdTagInfo{Status: string(r.IdTagInfo.Status)},
		}
	case *core.StopTransactionResponse:
		result := soapStopResponse{}
		if r.IdTagInfo != nil {
			result.IdTagInfo = &soapIdTagInfo{Status: string(r.IdTagInfo.Status)}
		}
		return result
	case *core.MeterValuesResponse:
		return soapEmptyResponse{XMLName: xml.Name{Local: "meterValuesResponse"}}
	case *core.StatusNotificationResponse:
		return soapEmptyResponse{XMLName: xml.Name{Local: "statusNotificationResponse"}}
	}
	return soapEmptyResponse{XMLName: xml.Name{Local: "response"}}
}

func (c *SoapCodec) renderResponse(chargePointId, relatesTo string, response ocpp.Response) ([]byte, error) {
	payload, err := xml.Marshal(toSoapResponse(response))
	if err != nil {
		return nil, err
	}
	envelope := fmt.Sprintf(
		`<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope">`+
			`<soap:Header>`+
			`<chargeBoxIdentity>%s</chargeBoxIdentity>`+
			`<Action>/%sResponse</Action>`+
			`<MessageID>urn:uuid:%s</MessageID>`+
			`<RelatesTo>%s</RelatesTo>`+
			`</soap:Header>`+
			`<soap:Body>%s</soap:Body>`+
			`</soap:Envelope>`,
		chargePointId, response.GetFeatureName(), utility.NewUUID(), relatesTo, payload)
	return []byte(envelope), nil
}

func soapInt(value string) types.FlexInt {
	v, ok := utility.ToInt(value)
	if !ok {
		return types.FlexInt{}
	}
	return types.NewFlexInt(v)
}

func soapTime(value string) *types.DateTime {
	if value == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	return types.NewDateTime(parsed)
}

func soapMeterList(entries []soapMeterEntry) []types.MeterValue {
	if len(entries) == 0 {
		return nil
	}
	result := make([]types.MeterValue, 0, len(entries))
	for _, entry := range entries {
		value := types.MeterValue{Timestamp: soapTime(entry.Timestamp)}
		for _, sample := range entry.Values {
			value.SampledValue = append(value.SampledValue, types.SampledValue{
				Value:     sample.Value,
				Context:   types.ReadingContext(sample.Context),
				Measurand: types.Measurand(sample.Measurand),
				Unit:      types.UnitOfMeasure(sample.Unit),
			})
		}
		result = append(result, value)
	}
	return result
}
