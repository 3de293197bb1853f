// Package moonraker provides a Moonraker-compatible status server.
// Frontends and scripts can list and query printer objects, subscribe to
// status updates over a websocket and submit commands.
package moonraker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"klipper-go-extruder/pkg/errors"
	"klipper-go-extruder/pkg/log"
	"klipper-go-extruder/pkg/metrics"
	"klipper-go-extruder/pkg/printer"
	"klipper-go-extruder/pkg/reactor"
)

const (
	defaultStatusInterval = 250 * time.Millisecond
	defaultRequestTimeout = 5 * time.Second
)

// JSON-RPC error codes.
const (
	rpcParseError     = -32700
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcHostError      = -32000
)

// Server provides a Moonraker-compatible API server.
type Server struct {
	provider StatusProvider
	metrics  *metrics.Registry

	// HTTP server
	httpServer *http.Server
	addr       string

	// WebSocket management
	wsUpgrader websocket.Upgrader
	wsClients  map[string]*WSClient
	wsClientMu sync.RWMutex

	// Status subscriptions by connection ID
	subscriptions map[string]*subscription
	subMu         sync.Mutex

	statusInterval time.Duration
	requestTimeout time.Duration
	reactor        *reactor.Reactor
	statusTimer    *reactor.Timer
	notify         chan struct{}
	done           chan struct{}
	stopOnce       sync.Once

	running   atomic.Bool
	startTime time.Time
	logger    *log.Logger
}

// subscription holds the objects a client follows and the values it was
// last sent, so updates only carry changed attributes.
type subscription struct {
	objects map[string][]string
	last    map[string]map[string]any
}

// Config holds server configuration.
type Config struct {
	// HTTP address to listen on (e.g., ":7125")
	Addr string

	// Provider answers status queries and runs scripts.
	Provider StatusProvider

	// Metrics is served on /metrics when set.
	Metrics *metrics.Registry

	// StatusInterval is the period of the reactor timer that refreshes
	// subscriptions between events. Zero selects 250ms.
	StatusInterval time.Duration

	// RequestTimeout bounds each query and script. Zero selects 5s.
	RequestTimeout time.Duration
}

// New creates a server and starts its status broadcaster. Stop releases it.
func New(cfg Config) *Server {
	s := &Server{
		provider:       cfg.Provider,
		metrics:        cfg.Metrics,
		addr:           cfg.Addr,
		wsClients:      make(map[string]*WSClient),
		subscriptions:  make(map[string]*subscription),
		statusInterval: cfg.StatusInterval,
		requestTimeout: cfg.RequestTimeout,
		notify:         make(chan struct{}, 1),
		done:           make(chan struct{}),
		startTime:      time.Now(),
		logger:         log.GetLogger("moonraker"),
	}
	if s.statusInterval <= 0 {
		s.statusInterval = defaultStatusInterval
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = defaultRequestTimeout
	}

	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Frontends are served from other origins
		},
	}

	go s.statusBroadcastLoop()
	return s
}

// Attach pushes a status update to subscribers after every extruder event
// on p, and every StatusInterval from a timer on r.
func (s *Server) Attach(p *printer.Printer, r *reactor.Reactor) {
	for _, event := range []string{
		printer.EventActivateExtruder,
		printer.EventPressureAdvance,
		printer.EventSync,
	} {
		p.RegisterEventHandler(event, func(args ...any) error {
			s.NotifyStatusChanged()
			return nil
		})
	}

	interval := s.statusInterval.Seconds()
	s.reactor = r
	s.statusTimer = r.RegisterTimer(func(eventtime float64) float64 {
		s.NotifyStatusChanged()
		return eventtime + interval
	}, r.Monotonic()+interval)
}

// NotifyStatusChanged schedules an immediate subscription update. It never
// blocks, so it is safe to call from inside a command.
func (s *Server) NotifyStatusChanged() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// JSON-RPC endpoint
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)

	// WebSocket endpoint
	mux.HandleFunc("/websocket", s.handleWebSocket)

	// REST-style endpoints
	mux.HandleFunc("/server/info", s.handleServerInfo)
	mux.HandleFunc("/printer/info", s.handlePrinterInfo)
	mux.HandleFunc("/printer/objects/list", s.handleObjectsList)
	mux.HandleFunc("/printer/objects/query", s.handleObjectsQuery)
	mux.HandleFunc("/printer/gcode/script", s.handleGCodeScript)

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	return s.corsMiddleware(mux)
}

// Start serves HTTP on the configured address until Stop.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	s.running.Store(true)
	s.logger.WithField("addr", s.addr).Info("status server starting")

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the API server and the broadcaster.
func (s *Server) Stop() error {
	s.running.Store(false)
	s.stopOnce.Do(func() {
		if s.statusTimer != nil {
			s.reactor.UnregisterTimer(s.statusTimer)
		}
		close(s.done)
	})

	// Close all WebSocket clients
	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[string]*WSClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *jsonRPCError) Error() string {
	return e.Message
}

func invalidParams(format string, args ...any) *jsonRPCError {
	return &jsonRPCError{Code: rpcInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// toRPCError maps an error to its JSON-RPC form. Host errors carry their
// code in data.
func toRPCError(err error) *jsonRPCError {
	if rpcErr, ok := err.(*jsonRPCError); ok {
		return rpcErr
	}
	return &jsonRPCError{Code: rpcHostError, Message: err.Error(), Data: string(errors.Code(err))}
}

// httpStatus picks the HTTP status for a failed request.
func httpStatus(err error) int {
	if rpcErr, ok := err.(*jsonRPCError); ok {
		if rpcErr.Code == rpcMethodNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	}
	if errors.IsCommand(err) || errors.IsConstraint(err) || errors.IsConfig(err) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// handleJSONRPC handles JSON-RPC 2.0 requests.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, jsonRPCResponse{JSONRPC: "2.0", Error: &jsonRPCError{Code: rpcParseError, Message: "Parse error"}})
		return
	}

	result, err := s.dispatchMethod(r.Context(), req.Method, req.Params, nil)
	if err != nil {
		s.writeJSON(w, jsonRPCResponse{JSONRPC: "2.0", Error: toRPCError(err), ID: req.ID})
		return
	}
	s.writeJSON(w, jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

// dispatchMethod routes a method call to the appropriate handler.
func (s *Server) dispatchMethod(ctx context.Context, method string, params map[string]any, client *WSClient) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	switch method {
	case "server.info":
		return s.methodServerInfo()
	case "server.connection.identify":
		return s.methodIdentify(params, client)
	case "printer.info":
		return s.methodPrinterInfo()
	case "printer.objects.list":
		return s.methodObjectsList()
	case "printer.objects.query":
		return s.methodObjectsQuery(ctx, params)
	case "printer.objects.subscribe":
		return s.methodObjectsSubscribe(ctx, params, client)
	case "printer.gcode.script":
		return s.methodGCodeScript(ctx, params)
	default:
		return nil, &jsonRPCError{Code: rpcMethodNotFound, Message: fmt.Sprintf("Method not found: %s", method)}
	}
}

// Method implementations

func (s *Server) methodServerInfo() (any, error) {
	hostname, _ := os.Hostname()
	s.wsClientMu.RLock()
	wsCount := len(s.wsClients)
	s.wsClientMu.RUnlock()

	return map[string]any{
		"klippy_connected":   true,
		"klippy_state":       "ready",
		"components":         []string{"klippy_apis"},
		"failed_components":  []string{},
		"warnings":           []string{},
		"websocket_count":    wsCount,
		"api_version":        []int{1, 5, 0},
		"api_version_string": "1.5.0",
		"hostname":           hostname,
		"uptime":             time.Since(s.startTime).Seconds(),
	}, nil
}

func (s *Server) methodPrinterInfo() (any, error) {
	hostname, _ := os.Hostname()
	return map[string]any{
		"state":            "ready",
		"state_message":    "Printer is ready",
		"hostname":         hostname,
		"software_version": "klipper-go-extruder",
	}, nil
}

func (s *Server) methodIdentify(params map[string]any, client *WSClient) (any, error) {
	if client == nil {
		return nil, invalidParams("identify requires a websocket connection")
	}
	clientName := "unknown"
	if name, ok := params["client_name"].(string); ok {
		clientName = name
	}
	s.logger.WithFields(log.Fields{"connection": client.id, "client": clientName}).Info("client identified")
	return map[string]any{"connection_id": client.id}, nil
}

func (s *Server) methodObjectsList() (any, error) {
	objects := s.provider.ObjectNames()
	if objects == nil {
		objects = []string{}
	}
	return map[string]any{"objects": objects}, nil
}

func objectsParam(params map[string]any) (map[string][]string, error) {
	raw, ok := params["objects"]
	if !ok {
		return nil, invalidParams("missing 'objects' parameter")
	}
	objects, ok := raw.(map[string]any)
	if !ok {
		return nil, invalidParams("'objects' must be an object")
	}
	return parseObjectArgs(objects), nil
}

func (s *Server) queryObjects(ctx context.Context, objects map[string][]string) (map[string]any, error) {
	eventtime, status, err := s.provider.QueryStatus(ctx, objects)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"eventtime": eventtime,
		"status":    status,
	}, nil
}

func (s *Server) methodObjectsQuery(ctx context.Context, params map[string]any) (any, error) {
	objects, err := objectsParam(params)
	if err != nil {
		return nil, err
	}
	return s.queryObjects(ctx, objects)
}

func (s *Server) methodObjectsSubscribe(ctx context.Context, params map[string]any, client *WSClient) (any, error) {
	if client == nil {
		return nil, invalidParams("subscription requires WebSocket connection")
	}
	objects, err := objectsParam(params)
	if err != nil {
		return nil, err
	}

	eventtime, status, err := s.provider.QueryStatus(ctx, objects)
	if err != nil {
		return nil, err
	}
	sub := &subscription{objects: objects, last: make(map[string]map[string]any)}
	diffStatus(sub.last, status)

	// A new subscription replaces the previous one.
	s.subMu.Lock()
	s.subscriptions[client.id] = sub
	s.subMu.Unlock()

	s.logger.WithFields(log.Fields{
		"connection": client.id,
		"objects":    strings.Join(sortedObjectNames(objects), ","),
	}).Debug("status subscription")

	return map[string]any{
		"eventtime": eventtime,
		"status":    status,
	}, nil
}

func (s *Server) methodGCodeScript(ctx context.Context, params map[string]any) (any, error) {
	script, ok := params["script"].(string)
	if !ok {
		return nil, invalidParams("missing 'script' parameter")
	}

	responses, err := s.provider.RunScript(ctx, script)
	for _, resp := range responses {
		s.broadcast(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notify_gcode_response",
			"params":  []any{resp},
		})
	}
	if err != nil {
		s.logger.WithError(err).WithField("script", script).Warn("script failed")
		return nil, err
	}
	s.NotifyStatusChanged()
	return "ok", nil
}

// REST endpoint handlers

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	result, err := s.methodServerInfo()
	s.writeResult(w, result, err)
}

func (s *Server) handlePrinterInfo(w http.ResponseWriter, r *http.Request) {
	result, err := s.methodPrinterInfo()
	s.writeResult(w, result, err)
}

func (s *Server) handleObjectsList(w http.ResponseWriter, r *http.Request) {
	result, err := s.methodObjectsList()
	s.writeResult(w, result, err)
}

// handleObjectsQuery accepts "?extruder&toolhead=position,print_time" on
// GET or a JSON-RPC style {"objects": {...}} body on POST.
func (s *Server) handleObjectsQuery(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		objects := make(map[string][]string)
		for name, values := range r.URL.Query() {
			var attrs []string
			for _, v := range values {
				for _, attr := range strings.Split(v, ",") {
					if attr = strings.TrimSpace(attr); attr != "" {
						attrs = append(attrs, attr)
					}
				}
			}
			objects[name] = attrs
		}
		result, err := s.queryObjects(ctx, objects)
		s.writeResult(w, result, err)

	case http.MethodPost:
		var params map[string]any
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			s.writeResult(w, nil, invalidParams("invalid body: %v", err))
			return
		}
		result, err := s.methodObjectsQuery(ctx, params)
		s.writeResult(w, result, err)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGCodeScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	params := map[string]any{}
	if script := r.URL.Query().Get("script"); script != "" {
		params["script"] = script
	} else if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeResult(w, nil, invalidParams("invalid body: %v", err))
		return
	}

	result, err := s.dispatchMethod(r.Context(), "printer.gcode.script", params, nil)
	s.writeResult(w, result, err)
}

// CORS middleware to allow cross-origin requests from frontends
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// JSON response helpers

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeResult(w http.ResponseWriter, result any, err error) {
	if err == nil {
		s.writeJSON(w, map[string]any{"result": result})
		return
	}
	rpcErr := toRPCError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(err))
	json.NewEncoder(w).Encode(map[string]any{"error": rpcErr})
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id     string
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
}

// newWSClient creates a new WebSocket client.
func (s *Server) newWSClient(conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
}

// Send queues a message for the client.
func (c *WSClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		// Channel full, drop message
		c.server.logger.WithField("connection", c.id).Warn("dropping message, send queue full")
	}
}

// Close closes the client connection.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return // Already closed
	default:
		close(c.done)
	}

	c.conn.Close()
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(512 * 1024) // 512KB max message size
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.WithError(err).WithField("connection", c.id).Warn("websocket read error")
			}
			break
		}

		c.handleMessage(message)
	}
}

// writePump sends messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.WithError(err).WithField("connection", c.id).Warn("websocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.Send(jsonRPCResponse{JSONRPC: "2.0", Error: &jsonRPCError{Code: rpcParseError, Message: "Parse error"}})
		return
	}

	result, err := c.server.dispatchMethod(context.Background(), req.Method, req.Params, c)
	if err != nil {
		c.Send(jsonRPCResponse{JSONRPC: "2.0", Error: toRPCError(err), ID: req.ID})
		return
	}
	c.Send(jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

// handleWebSocket handles WebSocket upgrade and connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := s.newWSClient(conn)

	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()

	s.logger.WithField("connection", client.id).Info("websocket client connected")

	client.Send(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notify_klippy_ready",
	})

	go client.writePump()
	client.readPump() // Blocks until connection closes
}

// removeClient removes a client and cleans up its subscriptions.
func (s *Server) removeClient(client *WSClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()

	s.subMu.Lock()
	delete(s.subscriptions, client.id)
	s.subMu.Unlock()

	s.logger.WithField("connection", client.id).Info("websocket client disconnected")
}

func (s *Server) broadcast(msg any) {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, client := range s.wsClients {
		client.Send(msg)
	}
}

// statusBroadcastLoop sends subscription updates on every notification.
// Queries go through the reactor, so the loop must not run on it.
func (s *Server) statusBroadcastLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		s.broadcastStatusUpdates()
	}
}

// broadcastStatusUpdates sends each subscribed client the attributes that
// changed since its last update.
func (s *Server) broadcastStatusUpdates() {
	s.subMu.Lock()
	pending := make(map[string]map[string][]string, len(s.subscriptions))
	for id, sub := range s.subscriptions {
		pending[id] = sub.objects
	}
	s.subMu.Unlock()

	for clientID, objects := range pending {
		s.wsClientMu.RLock()
		client, ok := s.wsClients[clientID]
		s.wsClientMu.RUnlock()
		if !ok {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
		eventtime, status, err := s.provider.QueryStatus(ctx, objects)
		cancel()
		if err != nil {
			s.logger.WithError(err).Debug("status update query failed")
			return
		}

		s.subMu.Lock()
		sub, ok := s.subscriptions[clientID]
		var changed map[string]any
		if ok {
			changed = diffStatus(sub.last, status)
		}
		s.subMu.Unlock()
		if len(changed) == 0 {
			continue
		}

		client.Send(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notify_status_update",
			"params":  []any{changed, eventtime},
		})
	}
}

// diffStatus returns the attributes of status that differ from last and
// records them in last.
func diffStatus(last map[string]map[string]any, status map[string]any) map[string]any {
	changed := make(map[string]any)
	for name, raw := range status {
		obj, _ := raw.(map[string]any)
		prev := last[name]
		if prev == nil {
			prev = make(map[string]any, len(obj))
			last[name] = prev
		}
		delta := make(map[string]any)
		for attr, val := range obj {
			if old, ok := prev[attr]; !ok || !reflect.DeepEqual(old, val) {
				delta[attr] = val
				prev[attr] = val
			}
		}
		if len(delta) > 0 {
			changed[name] = delta
		}
	}
	return changed
}
