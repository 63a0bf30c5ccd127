// Package rpc serves a Solana-compatible JSON-RPC 2.0 API over a loaded
// account snapshot.
//
// Supported methods:
//   - Simulation: simulateTransaction
//   - Account: getAccountInfo, getBalance, getMultipleAccounts, getProgramAccounts
//   - Cluster: getSlot, getHealth, getVersion
//   - Info: getEpochSchedule, getMinimumBalanceForRentExemption
//
// Every simulation runs against the same snapshot; nothing a transaction
// writes is visible to later requests.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/journal"
	"github.com/fortiblox/svmsim/pkg/simulator"
)

// ErrAlreadyRunning is returned by Serve on a server that is serving.
var ErrAlreadyRunning = errors.New("rpc server already running")

const shutdownTimeout = 5 * time.Second

// Config holds RPC server configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxRequestSize caps the request body. Longer bodies are cut and
	// fail to parse.
	MaxRequestSize int64

	EnableCORS bool

	// AllowedOrigins lists CORS origins; empty or "*" allows any.
	AllowedOrigins []string

	// LogRequests logs each dispatched method at debug level.
	LogRequests bool
	Logger      *slog.Logger
}

// DefaultConfig listens on the validator's usual RPC port, loopback only.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8899",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxRequestSize: 50 * 1024,
		EnableCORS:     true,
		Logger:         slog.Default(),
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxRequestSize <= 0 {
		c.MaxRequestSize = d.MaxRequestSize
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}

// handlerFunc is a JSON-RPC method handler.
type handlerFunc func(params json.RawMessage) (interface{}, *RPCError)

// Server answers JSON-RPC requests from a simulator and its snapshot.
type Server struct {
	config   Config
	sim      *simulator.Simulator
	snapshot *accounts.SnapshotStore
	journal  *journal.Store
	methods  map[string]handlerFunc
	healthy  atomic.Bool

	mu   sync.Mutex
	http *http.Server
}

// New creates a server over sim's snapshot. runs may be nil; otherwise
// every simulation is appended to it.
func New(config Config, sim *simulator.Simulator, runs *journal.Store) *Server {
	s := &Server{
		config:   config.WithDefaults(),
		sim:      sim,
		snapshot: accounts.NewSnapshotStore(sim.Accounts()),
		journal:  runs,
	}
	s.healthy.Store(true)
	s.methods = map[string]handlerFunc{
		"simulateTransaction":               s.simulateTransaction,
		"getAccountInfo":                    s.getAccountInfo,
		"getBalance":                        s.getBalance,
		"getMultipleAccounts":               s.getMultipleAccounts,
		"getProgramAccounts":                s.getProgramAccounts,
		"getSlot":                           s.getSlot,
		"getHealth":                         s.getHealth,
		"getVersion":                        s.getVersion,
		"getEpochSchedule":                  s.getEpochSchedule,
		"getMinimumBalanceForRentExemption": s.getMinimumBalanceForRentExemption,
	}
	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	h := http.HandlerFunc(s.handleRPC)
	if !s.config.EnableCORS {
		return h
	}
	return s.withCORS(h)
}

// Start serves on config.Addr until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done or Stop is called. A clean
// shutdown returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.http != nil {
		s.mu.Unlock()
		ln.Close()
		return ErrAlreadyRunning
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.http = srv
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.Stop() })
	defer stop()

	s.config.Logger.Info("rpc server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// SetHealthy sets what getHealth reports.
func (s *Server) SetHealthy(healthy bool) { s.healthy.Store(healthy) }

// IsHealthy returns the current health status.
func (s *Server) IsHealthy() bool { return s.healthy.Load() }

func (s *Server) originAllowed(origin string) bool {
	return len(s.config.AllowedOrigins) == 0 ||
		slices.Contains(s.config.AllowedOrigins, "*") ||
		slices.Contains(s.config.AllowedOrigins, origin)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, solana-client")
			h.Set("Access-Control-Max-Age", "3600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleRPC decodes a single request or a batch and writes the reply.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			writeJSON(w, errorResponse(nil, ErrInvalidRequest))
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		writeJSON(w, errorResponse(nil, ErrParseError))
		return
	}

	if len(body) > 0 && body[0] == '[' {
		var batch []Request
		if err := json.Unmarshal(body, &batch); err != nil {
			writeJSON(w, errorResponse(nil, ErrParseError))
			return
		}
		if len(batch) == 0 {
			writeJSON(w, errorResponse(nil, ErrInvalidRequest))
			return
		}
		out := make([]Response, len(batch))
		for i, req := range batch {
			out[i] = s.call(req)
		}
		writeJSON(w, out)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, errorResponse(nil, ErrParseError))
		return
	}
	writeJSON(w, s.call(req))
}

// call runs one request through its method handler.
func (s *Server) call(req Request) Response {
	if req.JSONRPC != JSONRPCVersion {
		return errorResponse(req.ID, ErrInvalidRequest)
	}
	if s.config.LogRequests {
		s.config.Logger.Debug("rpc request", "method", req.Method)
	}
	handler, ok := s.methods[req.Method]
	if !ok {
		return errorResponse(req.ID, NewRPCError(MethodNotFound, "Method not found: "+req.Method))
	}
	result, rpcErr := handler(req.Params)
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}
	return Response{JSONRPC: JSONRPCVersion, ID: req.ID, Result: result}
}

func errorResponse(id interface{}, err *RPCError) Response {
	return Response{JSONRPC: JSONRPCVersion, ID: id, Error: err}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
