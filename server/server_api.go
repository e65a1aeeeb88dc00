package server

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"evcharge/internal"
	"evcharge/internal/config"
	"evcharge/models"
	"evcharge/session"
	"evcharge/utility"
)

const (
	transactionsEndpoint = "/api/v1/transactions"
	transactionEndpoint  = "/api/v1/transactions/:id"
	consumptionEndpoint  = "/api/v1/transactions/:id/consumption"
	commandsEndpoint     = "/api/v1/commands"
)

// application error codes carried in the response body. The code is
// distinct from the HTTP status so dashboard clients can tell malformed
// requests from domain failures.
const (
	errCodeMalformed = 500
	errCodeDomain    = 550
)

type Api struct {
	conf           *config.Config
	httpServer     *http.Server
	engine         *session.Engine
	commandHandler func(command *Command) (string, error)
	logger         internal.LogHandler
}

type apiEnvelope struct {
	Count  int64       `json:"count"`
	Result interface{} `json:"result"`
}

type apiError struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}

func NewServerApi(conf *config.Config, logger internal.LogHandler) *Api {
	server := Api{
		conf:   conf,
		logger: logger,
	}
	router := httprouter.New()
	router.GET(transactionEndpoint, server.handleGetTransaction)
	router.GET(transactionsEndpoint, server.handleGetTransactions)
	router.GET(consumptionEndpoint, server.handleGetConsumption)
	router.DELETE(transactionEndpoint, server.handleDeleteTransaction)
	router.POST(commandsEndpoint, server.handleCommand)
	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%s", conf.Api.BindIP, conf.Api.Port),
		Handler: router,
	}
	return &server
}

func (s *Api) SetEngine(engine *session.Engine) {
	s.engine = engine
}

func (s *Api) SetCommandHandler(handler func(command *Command) (string, error)) {
	s.commandHandler = handler
}

func (s *Api) Start() error {
	if s.conf.Api.TLS {
		cert, err := tls.LoadX509KeyPair(s.conf.Api.CertFile, s.conf.Api.KeyFile)
		if err != nil {
			return fmt.Errorf("api: failed to load certificate: %v", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
		return s.httpServer.ListenAndServeTLS("", "")
	}
	return s.httpServer.ListenAndServe()
}

func (s *Api) handleGetTransaction(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, ok := utility.ToInt(params.ByName("id"))
	if !ok {
		s.writeError(w, errCodeMalformed, "transaction id must be numeric")
		return
	}
	transaction, err := s.engine.GetTransaction(id)
	if err != nil {
		s.writeError(w, errCodeDomain, err.Error())
		return
	}
	s.writeResult(w, 1, transaction)
}

func (s *Api) handleGetTransactions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	query := r.URL.Query()
	filter := models.TransactionFilter{
		ChargePointId: query.Get("ChargePointId"),
	}
	if connector := query.Get("ConnectorId"); connector != "" {
		id, ok := utility.ToInt(connector)
		if !ok {
			s.writeError(w, errCodeMalformed, "connector id must be numeric")
			return
		}
		filter.ConnectorId = id
	}
	switch {
	case query.Get("Active") == "true":
		filter.Status = models.TransactionStatusActive
	case query.Get("Completed") == "true":
		filter.Status = models.TransactionStatusCompleted
	case query.Get("InError") == "true":
		filter.Status = models.TransactionStatusInError
	}
	if from := query.Get("StartDateTime"); from != "" {
		parsed, err := time.Parse(time.RFC3339, from)
		if err != nil {
			s.writeError(w, errCodeMalformed, "invalid StartDateTime")
			return
		}
		filter.From = parsed
	}
	if to := query.Get("EndDateTime"); to != "" {
		parsed, err := time.Parse(time.RFC3339, to)
		if err != nil {
			s.writeError(w, errCodeMalformed, "invalid EndDateTime")
			return
		}
		filter.To = parsed
	}
	skip := 0
	if value := query.Get("Skip"); value != "" {
		skip, _ = utility.ToInt(value)
	}
	limit := 100
	if value := query.Get("Limit"); value != "" {
		limit, _ = utility.ToInt(value)
	}

	count, transactions, err := s.engine.GetTransactions(filter, skip, limit)
	if err != nil {
		s.writeError(w, errCodeDomain, err.Error())
		return
	}
	s.writeResult(w, count, transactions)
}

func (s *Api) handleGetConsumption(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, ok := utility.ToInt(params.ByName("id"))
	if !ok {
		s.writeError(w, errCodeMalformed, "transaction id must be numeric")
		return
	}
	var start, end time.Time
	query := r.URL.Query()
	if value := query.Get("StartDateTime"); value != "" {
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			s.writeError(w, errCodeMalformed, "invalid StartDateTime")
			return
		}
		start = parsed
	}
	if value := query.Get("EndDateTime"); value != "" {
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			s.writeError(w, errCodeMalformed, "invalid EndDateTime")
			return
		}
		end = parsed
	}

	consumption, err := s.engine.GetConsumption(id, start, end)
	if err != nil {
		s.writeError(w, errCodeDomain, err.Error())
		return
	}
	s.writeResult(w, int64(len(consumption)), consumption)
}

func (s *Api) handleDeleteTransaction(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, ok := utility.ToInt(params.ByName("id"))
	if !ok {
		s.writeError(w, errCodeMalformed, "transaction id must be numeric")
		return
	}
	if err := s.engine.DeleteTransaction(id); err != nil {
		s.writeError(w, errCodeDomain, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Api) handleCommand(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var command Command
	if err := json.NewDecoder(r.Body).Decode(&command); err != nil {
		s.writeError(w, errCodeMalformed, fmt.Sprintf("error parsing command: %s", err))
		return
	}
	if command.FeatureName == "" {
		s.writeError(w, errCodeMalformed, "feature name is empty")
		return
	}
	if s.commandHandler == nil {
		s.writeError(w, errCodeDomain, "command handling is not available")
		return
	}
	payload, err := s.commandHandler(&command)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("api: error sending command %s to %s: %s", command.FeatureName, command.ChargePointId, err))
		s.writeError(w, errCodeDomain, err.Error())
		return
	}
	if payload == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Add("Content-Type", "application/json; charset=utf-8")
	if _, err = w.Write([]byte(payload)); err != nil {
		s.logger.Error("api: command response", err)
	}
}

func (s *Api) writeResult(w http.ResponseWriter, count int64, result interface{}) {
	w.Header().Add("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(apiEnvelope{Count: count, Result: result}); err != nil {
		s.logger.Error("api: encoding response", err)
	}
}

func (s *Api) writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Add("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	if err := json.NewEncoder(w).Encode(apiError{Error: code, Message: message}); err != nil {
		s.logger.Error("api: encoding error response", err)
	}
}
