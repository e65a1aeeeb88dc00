package server

import (
	"fmt"
	"log"
	"sync"
	"time"

	"evcharge/billing"
	"evcharge/internal"
	"evcharge/internal/config"
	"evcharge/metrics"
	"evcharge/ocpp"
	"evcharge/ocpp/core"
	"evcharge/ocpp/firmware"
	"evcharge/session"
	"evcharge/telegram"
	"evcharge/types"
	"evcharge/utility"
)

const commandTimeout = 10 * time.Second

type CentralSystem struct {
	server          *Server
	api             *Api
	soap            *SoapCodec
	conf            *config.Config
	logger          internal.LogHandler
	engine          *session.Engine
	location        *time.Location
	pendingRequests map[string]chan string
	pendingMux      sync.Mutex
}

// Command is a request relayed from the administrative API to a connected
// charge point.
type Command struct {
	ChargePointId string `json:"charge_point_id"`
	ConnectorId   int    `json:"connector_id"`
	FeatureName   string `json:"feature_name"`
	Payload       string `json:"payload"`
}

func (cs *CentralSystem) handleIncomingMessage(ws *WebSocket, data []byte) error {
	chargePointId := ws.ID()
	message, err := utility.ParseJson(data)
	if err != nil {
		return err
	}
	callType, err := MessageType(message)
	if err != nil {
		return err
	}
	if callType == CallTypeError {
		cs.logger.Warn(fmt.Sprintf("error message received from charge point %s: %s", chargePointId, string(data)))
		return nil
	}
	if callType == CallTypeResult {
		result, err := ParseResult(message)
		if err != nil {
			cs.logger.Warn(fmt.Sprintf("invalid message received from charge point %s: %s", chargePointId, string(data)))
			return nil
		}
		cs.resolvePending(result.UniqueId, result.Payload)
		return nil
	}
	callRequest, err := ParseRequest(message)
	if err != nil {
		return err
	}
	ws.SetUniqueId(callRequest.UniqueId)

	confirmation, err := cs.dispatch(chargePointId, ws.Tenant(), callRequest.Payload)
	if err != nil {
		return err
	}

	if ws.IsClosed() {
		cs.logger.FeatureEvent(callRequest.GetFeatureName(), chargePointId, "websocket closed, response not sent")
		return nil
	}
	return cs.server.SendResponse(ws, confirmation)
}

// dispatch routes a decoded request to the engine; the websocket and soap
// codecs both end up here.
func (cs *CentralSystem) dispatch(chargePointId, tenant string, request ocpp.Request) (ocpp.Response, error) {
	switch action := request.(type) {
	case *core.BootNotificationRequest:
		return cs.engine.OnBootNotification(chargePointId, tenant, action)
	case *core.AuthorizeRequest:
		return cs.engine.OnAuthorize(chargePointId, action)
	case *core.HeartbeatRequest:
		return cs.engine.OnHeartbeat(chargePointId, action)
	case *core.StartTransactionRequest:
		return cs.engine.OnStartTransaction(chargePointId, action)
	case *core.StopTransactionRequest:
		return cs.engine.OnStopTransaction(chargePointId, action)
	case *core.MeterValuesRequest:
		return cs.engine.OnMeterValues(chargePointId, action)
	case *core.StatusNotificationRequest:
		return cs.engine.OnStatusNotification(chargePointId, action)
	case *core.DataTransferRequest:
		return cs.engine.OnDataTransfer(chargePointId, action)
	case *firmware.DiagnosticsStatusNotificationRequest:
		return cs.engine.OnDiagnosticsStatusNotification(chargePointId, action)
	case *firmware.StatusNotificationRequest:
		return cs.engine.OnFirmwareStatusNotification(chargePointId, action)
	}
	return nil, fmt.Errorf("feature not supported: %s", request.GetFeatureName())
}

func (cs *CentralSystem) resolvePending(uniqueId, payload string) {
	cs.pendingMux.Lock()
	responseChan, ok := cs.pendingRequests[uniqueId]
	cs.pendingMux.Unlock()
	if ok {
		responseChan <- payload
	}
}

// handleCommand relays an administrative command to a station and waits for
// its reply.
func (cs *CentralSystem) handleCommand(command *Command) (string, error) {
	var request ocpp.Request
	switch command.FeatureName {
	case core.RemoteStartTransactionFeatureName:
		if command.Payload == "" {
			return "", utility.Err("remote start requires an id tag payload")
		}
		var connectorId *int
		if command.ConnectorId > 0 {
			value := command.ConnectorId
			connectorId = &value
		}
		request = core.NewRemoteStartTransactionRequest(command.Payload, connectorId)
	case core.RemoteStopTransactionFeatureName:
		transactionId, ok := utility.ToInt(command.Payload)
		if !ok {
			transactionId, ok = cs.engine.ActiveTransactionOnConnector(command.ChargePointId, command.ConnectorId)
			if !ok {
				return "", utility.Err(fmt.Sprintf("no active transaction on %s@%d", command.ChargePointId, command.ConnectorId))
			}
		}
		request = core.NewRemoteStopTransactionRequest(transactionId)
	default:
		return "", fmt.Errorf("feature not supported: %s", command.FeatureName)
	}

	id, err := cs.server.SendRequest(command.ChargePointId, request)
	if err != nil {
		return "", err
	}
	response := make(chan string, 1)
	cs.pendingMux.Lock()
	cs.pendingRequests[id] = response
	cs.pendingMux.Unlock()
	defer func() {
		cs.pendingMux.Lock()
		delete(cs.pendingRequests, id)
		cs.pendingMux.Unlock()
	}()

	select {
	case payload := <-response:
		return payload, nil
	case <-time.After(commandTimeout):
		return "", fmt.Errorf("timeout waiting for response from %s", command.ChargePointId)
	}
}

func (cs *CentralSystem) Start() {
	go func() {
		if err := cs.server.Start(); err != nil {
			cs.logger.Error("websocket server failed", err)
		}
	}()

	go func() {
		if err := cs.api.Start(); err != nil {
			cs.logger.Error("api server failed", err)
		}
	}()

	go func() {
		if err := metrics.Listen(cs.conf); err != nil {
			cs.logger.Error("metrics server failed", err)
		}
	}()

	select {}
}

func NewCentralSystem(conf *config.Config) (*CentralSystem, error) {
	cs := &CentralSystem{
		conf:            conf,
		pendingRequests: make(map[string]chan string),
	}

	log.Println("set time zone to " + conf.TimeZone)
	location, err := time.LoadLocation(conf.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time zone initialization failed: %s", err)
	}
	cs.location = location

	var database internal.Database
	if conf.Mongo.Enabled {
		database, err = internal.NewMongoClient(conf)
		if err != nil {
			return nil, fmt.Errorf("mongodb setup failed: %s", err)
		}
		log.Println("mongodb is configured and enabled")
	} else {
		log.Println("database is disabled")
	}

	logService := internal.NewLogger(location)
	logService.SetDebugMode(conf.IsDebug)
	logService.SetDatabase(database)
	cs.logger = logService

	tariff := billing.NewTariffService(conf.Pricing.PricePerKwh, conf.Pricing.Currency)
	if database != nil {
		tariff.SetDatabase(database)
	}
	tariff.SetLogger(logService)

	authorizer := session.NewAuthorizer()
	authorizer.SetDatabase(database)
	authorizer.SetLogger(logService)
	authorizer.SetAcceptUnknownTag(conf.AcceptUnknownTag)

	engine := session.NewEngine(location)
	engine.SetDatabase(database)
	engine.SetLogger(logService)
	engine.SetAuthorizer(authorizer)
	engine.SetPricingService(tariff)
	engine.SetParameters(conf.IsDebug, conf.AcceptUnknownChp)
	cs.engine = engine

	if conf.Telegram.Enabled {
		telegramBot, err := telegram.NewBot(conf.Telegram.ApiKey)
		if err != nil {
			return nil, fmt.Errorf("telegram bot setup failed: %s", err)
		}
		telegramBot.SetDatabase(database)
		telegramBot.Start()
		engine.SetEventHandler(telegramBot)
		authorizer.SetEventHandler(telegramBot)
		log.Println("telegram bot is configured and enabled")
	}

	wsServer := NewServer(conf, logService)
	wsServer.AddSupportedSubProtocol(types.SubProtocol16)
	wsServer.SetMessageHandler(cs.handleIncomingMessage)
	cs.server = wsServer

	soapCodec := NewSoapCodec(logService)
	soapCodec.SetDispatcher(cs.dispatch)
	wsServer.SetSoapHandler(soapCodec.Handle)
	cs.soap = soapCodec

	if err = engine.OnStart(); err != nil {
		return nil, err
	}

	apiServer := NewServerApi(conf, logService)
	apiServer.SetEngine(engine)
	apiServer.SetCommandHandler(cs.handleCommand)
	cs.api = apiServer

	return cs, nil
}
