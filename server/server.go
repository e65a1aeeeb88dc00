package server

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"evcharge/internal"
	"evcharge/internal/config"
	"evcharge/metrics/counters"
	"evcharge/ocpp"
	"evcharge/utility"
)

const (
	wsEndpoint       = "/ws/:id"
	wsTenantEndpoint = "/tenants/:tenant/ws/:id"
	soapEndpoint     = "/soap"
)

type Server struct {
	conf           *config.Config
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	messageHandler func(ws *WebSocket, data []byte) error
	soapHandler    func(tenant string, data []byte) ([]byte, error)
	logger         internal.LogHandler
	connections    map[string]*WebSocket
	mux            sync.Mutex
}

type WebSocket struct {
	conn     *websocket.Conn
	id       string
	tenant   string
	uniqueId string
	closed   bool
	send     sync.Mutex
}

func (ws *WebSocket) ID() string {
	return ws.id
}

func (ws *WebSocket) Tenant() string {
	return ws.tenant
}

func (ws *WebSocket) UniqueId() string {
	return ws.uniqueId
}

func (ws *WebSocket) SetUniqueId(uniqueId string) {
	ws.uniqueId = uniqueId
}

func (ws *WebSocket) IsClosed() bool {
	return ws.closed
}

func (ws *WebSocket) write(data []byte) error {
	ws.send.Lock()
	defer ws.send.Unlock()
	if ws.closed {
		return utility.Err("socket is closed")
	}
	return ws.conn.WriteMessage(websocket.TextMessage, data)
}

func NewServer(conf *config.Config, logger internal.LogHandler) *Server {
	server := Server{
		conf:        conf,
		logger:      logger,
		upgrader:    websocket.Upgrader{Subprotocols: []string{}},
		connections: make(map[string]*WebSocket),
	}
	router := httprouter.New()
	server.Register(router)
	server.httpServer = &http.Server{
		Handler: router,
	}
	return &server
}

func (s *Server) AddSupportedSubProtocol(proto string) {
	for _, sub := range s.upgrader.Subprotocols {
		if sub == proto {
			return
		}
	}
	s.upgrader.Subprotocols = append(s.upgrader.Subprotocols, proto)
}

func (s *Server) SetMessageHandler(handler func(ws *WebSocket, data []byte) error) {
	s.messageHandler = handler
}

func (s *Server) SetSoapHandler(handler func(tenant string, data []byte) ([]byte, error)) {
	s.soapHandler = handler
}

func (s *Server) Register(router *httprouter.Router) {
	router.GET(wsEndpoint, s.handleWsRequest)
	router.GET(wsTenantEndpoint, s.handleWsRequest)
	router.POST(soapEndpoint, s.handleSoapRequest)
}

func (s *Server) handleWsRequest(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	tenant := params.ByName("tenant")
	s.logger.Debug(fmt.Sprintf("connection initiated from remote %s", r.RemoteAddr))

	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	clientSubProto := websocket.Subprotocols(r)
	requestedProto := ""
	for _, proto := range clientSubProto {
		if len(s.upgrader.Subprotocols) == 0 {
			requestedProto = proto
			break
		}
		if utility.Contains(s.upgrader.Subprotocols, proto) {
			requestedProto = proto
			break
		}
	}
	responseHeader := http.Header{}
	if requestedProto != "" {
		responseHeader.Add("Sec-WebSocket-Protocol", requestedProto)
	}

	conn, err := s.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		s.logger.Error("upgrade failed: ", err)
		return
	}

	s.logger.Debug(fmt.Sprintf("upgraded socket for %s and ready to receive data", id))
	ws := &WebSocket{
		conn:   conn,
		id:     id,
		tenant: tenant,
	}
	s.addConnection(ws)

	go s.messageReader(ws)
}

func (s *Server) addConnection(ws *WebSocket) {
	s.mux.Lock()
	// a reconnect replaces the stale socket for the same station
	if stale, ok := s.connections[ws.id]; ok {
		stale.closed = true
		_ = stale.conn.Close()
	}
	s.connections[ws.id] = ws
	count := len(s.connections)
	s.mux.Unlock()
	counters.ObserveConnections(ws.tenant, count)
}

func (s *Server) removeConnection(ws *WebSocket) {
	s.mux.Lock()
	if current, ok := s.connections[ws.id]; ok && current == ws {
		delete(s.connections, ws.id)
	}
	count := len(s.connections)
	s.mux.Unlock()
	counters.ObserveConnections(ws.tenant, count)
}

func (s *Server) connection(chargePointId string) (*WebSocket, bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	ws, ok := s.connections[chargePointId]
	return ws, ok
}

func (s *Server) messageReader(ws *WebSocket) {
	conn := ws.conn
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, 3001) {
				s.logger.Debug(fmt.Sprintf("id %s leaving session", ws.id))
			} else {
				s.logger.Debug(fmt.Sprintf("id %s is closing session %s", ws.id, err))
			}
			ws.closed = true
			err = conn.Close()
			if err != nil {
				s.logger.Warn(fmt.Sprintf("error while closing socket %s %s", ws.id, err))
			}
			s.removeConnection(ws)
			return
		}
		s.logger.RawDataEvent("IN", string(message))
		if s.messageHandler != nil {
			err = s.messageHandler(ws, message)
			if err != nil {
				s.logger.Error(fmt.Sprintf("handling message from %s", ws.id), err)
				continue
			}
		}
	}
}

func (s *Server) handleSoapRequest(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.soapHandler == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	tenant := r.URL.Query().Get("tenant")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("soap: error reading body from %s: %s", r.RemoteAddr, err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.logger.RawDataEvent("IN", string(body))

	response, err := s.soapHandler(tenant, body)
	if err != nil {
		s.logger.Error("soap request", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.logger.RawDataEvent("OUT", string(response))
	w.Header().Set("Content-Type", "application/soap+xml; charset=utf-8")
	if _, err = w.Write(response); err != nil {
		s.logger.Error("soap response", err)
	}
}

func (s *Server) Start() error {
	if s.conf == nil {
		return utility.Err("configuration not loaded")
	}
	serverAddress := fmt.Sprintf("%s:%s", s.conf.Listen.BindIP, s.conf.Listen.Port)
	s.logger.Debug(fmt.Sprintf("starting server on %s", serverAddress))
	listener, err := net.Listen("tcp", serverAddress)
	if err != nil {
		return err
	}
	if s.conf.Listen.TLS {
		s.logger.Debug("starting https TLS server")
		err = s.httpServer.ServeTLS(listener, s.conf.Listen.CertFile, s.conf.Listen.KeyFile)
	} else {
		s.logger.Debug("starting http server")
		err = s.httpServer.Serve(listener)
	}
	return err
}

func (s *Server) SendResponse(ws *WebSocket, response ocpp.Response) error {
	callResult, _ := CreateCallResult(response, ws.UniqueId())
	data, err := callResult.MarshalJSON()
	if err != nil {
		s.logger.Error("error encoding response", err)
		return err
	}
	s.logger.RawDataEvent("OUT", string(data))
	if err = ws.write(data); err != nil {
		s.logger.Error("error sending response", err)
	}
	return err
}

// SendRequest delivers a central-system-originated call to a connected
// station and returns the unique message id used to correlate the reply.
func (s *Server) SendRequest(chargePointId string, request ocpp.Request) (string, error) {
	ws, ok := s.connection(chargePointId)
	if !ok {
		return "", utility.Err(fmt.Sprintf("charge point %s is not connected", chargePointId))
	}
	call := CreateCallRequest(request)
	data, err := call.MarshalJSON()
	if err != nil {
		return "", err
	}
	s.logger.RawDataEvent("OUT", string(data))
	if err = ws.write(data); err != nil {
		return "", err
	}
	return call.UniqueId, nil
}
