package server

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evcharge/ocpp"
	"evcharge/ocpp/core"
	"evcharge/types"
)

type testLogger struct{}

func (testLogger) FeatureEvent(string, string, string) {}
func (testLogger) Debug(string)                        {}
func (testLogger) Warn(string)                         {}
func (testLogger) Error(string, error)                 {}
func (testLogger) RawDataEvent(string, string)         {}

func soapEnvelopeFor(action, identity, body string) string {
	return `<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope">` +
		`<soap:Header>` +
		`<chargeBoxIdentity>` + identity + `</chargeBoxIdentity>` +
		`<Action>/` + action + `</Action>` +
		`<MessageID>urn:uuid:11111111-2222-3333-4444-555555555555</MessageID>` +
		`</soap:Header>` +
		`<soap:Body>` + body + `</soap:Body>` +
		`</soap:Envelope>`
}

func codecWith(dispatch func(chargePointId, tenant string, request ocpp.Request) (ocpp.Response, error)) *SoapCodec {
	codec := NewSoapCodec(testLogger{})
	codec.SetDispatcher(dispatch)
	return codec
}

func TestSoapBootNotification(t *testing.T) {
	var gotId, gotTenant string
	var gotRequest *core.BootNotificationRequest
	codec := codecWith(func(chargePointId, tenant string, request ocpp.Request) (ocpp.Response, error) {
		gotId = chargePointId
		gotTenant = tenant
		gotRequest = request.(*core.BootNotificationRequest)
		return core.NewBootNotificationResponse(types.NewDateTime(time.Now()), 600, core.RegistrationStatusAccepted), nil
	})

	body := `<bootNotificationRequest>` +
		`<chargePointVendor>vendorX</chargePointVendor>` +
		`<chargePointModel>SingleSocketCharger</chargePointModel>` +
		`</bootNotificationRequest>`
	response, err := codec.Handle("tenant-a", []byte(soapEnvelopeFor("BootNotification", "CP-1", body)))
	require.NoError(t, err)

	assert.Equal(t, "CP-1", gotId)
	assert.Equal(t, "tenant-a", gotTenant)
	require.NotNil(t, gotRequest)
	assert.Equal(t, "vendorX", gotRequest.ChargePointVendor)

	rendered := string(response)
	assert.Contains(t, rendered, "<bootNotificationResponse>")
	assert.Contains(t, rendered, "<status>Accepted</status>")
	assert.Contains(t, rendered, "<heartbeatInterval>600</heartbeatInterval>")
	assert.Contains(t, rendered, "urn:uuid:11111111-2222-3333-4444-555555555555")
}

func TestSoapStartTransaction(t *testing.T) {
	var gotRequest *core.StartTransactionRequest
	codec := codecWith(func(_, _ string, request ocpp.Request) (ocpp.Response, error) {
		gotRequest = request.(*core.StartTransactionRequest)
		return core.NewStartTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusAccepted), 15), nil
	})

	body := `<startTransactionRequest>` +
		`<connectorId>2</connectorId>` +
		`<idTag>D0431F35</idTag>` +
		`<timestamp>2026-03-10T09:00:00Z</timestamp>` +
		`<meterStart>100</meterStart>` +
		`</startTransactionRequest>`
	response, err := codec.Handle("", []byte(soapEnvelopeFor("StartTransaction", "CP-1", body)))
	require.NoError(t, err)

	require.NotNil(t, gotRequest)
	assert.Equal(t, 2, gotRequest.ConnectorId.Value)
	assert.Equal(t, "D0431F35", gotRequest.IdTag.String())
	assert.Equal(t, 100, gotRequest.MeterStart.Value)
	require.NotNil(t, gotRequest.Timestamp)
	assert.Equal(t, 2026, gotRequest.Timestamp.Year())

	assert.Contains(t, string(response), "<transactionId>15</transactionId>")
}

func TestSoapMeterValues(t *testing.T) {
	var gotRequest *core.MeterValuesRequest
	codec := codecWith(func(_, _ string, request ocpp.Request) (ocpp.Response, error) {
		gotRequest = request.(*core.MeterValuesRequest)
		return core.NewMeterValuesResponse(), nil
	})

	body := `<meterValuesRequest>` +
		`<connectorId>1</connectorId>` +
		`<transactionId>15</transactionId>` +
		`<values>` +
		`<timestamp>2026-03-10T09:05:00Z</timestamp>` +
		`<value context="Sample.Periodic" measurand="Energy.Active.Import.Register" unit="Wh">300</value>` +
		`</values>` +
		`</meterValuesRequest>`
	response, err := codec.Handle("", []byte(soapEnvelopeFor("MeterValues", "CP-1", body)))
	require.NoError(t, err)

	require.NotNil(t, gotRequest)
	require.NotNil(t, gotRequest.TransactionId)
	assert.Equal(t, 15, gotRequest.TransactionId.Value)
	require.Len(t, gotRequest.MeterValue, 1)
	require.Len(t, gotRequest.MeterValue[0].SampledValue, 1)
	sample := gotRequest.MeterValue[0].SampledValue[0]
	assert.Equal(t, "300", sample.Value)
	assert.Equal(t, types.ReadingContextSamplePeriodic, sample.Context)
	assert.True(t, sample.IsEnergyRegister())

	assert.Contains(t, string(response), "<meterValuesResponse>")
}

func TestSoapMissingIdentity(t *testing.T) {
	codec := codecWith(func(_, _ string, _ ocpp.Request) (ocpp.Response, error) {
		t.Fatal("dispatcher must not be called")
		return nil, nil
	})
	envelope := soapEnvelopeFor("Heartbeat", "", "<heartbeatRequest/>")
	_, err := codec.Handle("", []byte(envelope))
	assert.Error(t, err)
}

func TestSoapUnsupportedAction(t *testing.T) {
	codec := codecWith(func(_, _ string, _ ocpp.Request) (ocpp.Response, error) {
		return nil, nil
	})
	envelope := soapEnvelopeFor("Reset", "CP-1", "<resetRequest/>")
	_, err := codec.Handle("", []byte(envelope))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsupported"))
}
