package tunnel

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

// Server exposes a Registry over HTTP: listing, per-udid and per-device
// lookup, and upsert. It chooses its own listening port and publishes it
// via a Strongbox so sibling processes can find it.
type Server struct {
	registry *Registry
	httpSrv  *http.Server
	listener net.Listener
}

// NewServer builds the chi router for registry but does not start
// listening; call Start to bind a port and serve.
func NewServer(registry *Registry) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/remotexpc/tunnels", handleListTunnels(registry))
	r.Get("/remotexpc/tunnels/{udid}", handleGetTunnel(registry))
	r.Get("/remotexpc/tunnels/device/{deviceId}", handleGetTunnelByDevice(registry))
	r.Put("/remotexpc/tunnels/{udid}", handlePutTunnel(registry))
	r.NotFound(notFoundHandler)

	return &Server{
		registry: registry,
		httpSrv:  &http.Server{Handler: r},
	}
}

// Start binds addr (use "127.0.0.1:0" to let the OS choose a port),
// publishes the bound port under defaultStrongboxName in the strongbox at
// DefaultStrongboxPath, and serves in the background. The bound port is
// also returned.
func (s *Server) Start(addr string) (int, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := NewStrongbox(DefaultStrongboxPath()).Publish(defaultStrongboxName, port); err != nil {
		ln.Close()
		return 0, err
	}
	s.listener = ln
	log.WithField("port", port).Info("tunnel registry HTTP API listening")
	go s.httpSrv.Serve(ln)
	return port, nil
}

// Stop tears the server down cleanly. Idempotent.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	return s.httpSrv.Close()
}

type listResponse struct {
	Tunnels  []Entry  `json:"tunnels"`
	Metadata Metadata `json:"metadata"`
}

func handleListTunnels(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, listResponse{
			Tunnels:  registry.All(),
			Metadata: registry.Metadata(),
		})
	}
}

func handleGetTunnel(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		udid := chi.URLParam(r, "udid")
		entry, ok := registry.Get(udid)
		if !ok {
			writeJSONError(w, http.StatusNotFound, "Not found")
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

func handleGetTunnelByDevice(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "deviceId")
		deviceID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "deviceId must be an integer")
			return
		}
		entry, ok := registry.FindByDeviceID(deviceID)
		if !ok {
			writeJSONError(w, http.StatusNotFound, "Not found")
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

func handlePutTunnel(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		udid := chi.URLParam(r, "udid")

		var entry Entry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed JSON body")
			return
		}
		if entry.UDID != udid {
			writeJSONError(w, http.StatusBadRequest, "body udid does not match path udid")
			return
		}

		stored := registry.Upsert(entry)
		writeJSON(w, http.StatusOK, putTunnelResponse{Success: true, Tunnel: stored})
	}
}

type putTunnelResponse struct {
	Success bool  `json:"success"`
	Tunnel  Entry `json:"tunnel"`
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusNotFound, "Not found")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
