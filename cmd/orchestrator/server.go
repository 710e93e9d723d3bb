package main

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	"github.com/clawbowl/orchestrator/internal/instance"
	"github.com/clawbowl/orchestrator/internal/logging"
	"github.com/clawbowl/orchestrator/internal/proxy"
	"github.com/clawbowl/orchestrator/internal/warmup"
)

// server is the HTTP surface for C8 (chat proxy) and C10 (warmup), backed
// by the Instance Manager. Grounded on the teacher's internal/web server
// shape (stdlib http.ServeMux with method-pattern routes), narrowed to the
// two endpoints this orchestrator actually exposes.
type server struct {
	mux     *http.ServeMux
	httpSrv *http.Server

	inst   *instance.Manager
	proxy  *proxy.Proxy
	warmup *warmup.Service
	log    *logging.Logger
}

func newServer(inst *instance.Manager, px *proxy.Proxy, wu *warmup.Service, log *logging.Logger) *server {
	s := &server{inst: inst, proxy: px, warmup: wu, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/warmup", s.handleWarmup)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChat)
	s.mux = mux
	return s
}

// ListenAndServe starts the HTTP server on addr; blocks until it exits.
func (s *server) ListenAndServe(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.mux}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

type warmupRequest struct {
	UserID     string `json:"user_id"`
	Tier       string `json:"tier"`
	ClientType string `json:"client_type"`
}

func (s *server) handleWarmup(w http.ResponseWriter, r *http.Request) {
	var req warmupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	handle, err := s.warmup.Warmup(r.Context(), req.UserID, req.Tier, req.ClientType)
	if err != nil {
		s.log.Error("warmup failed", "user_id", req.UserID, "error", err)
		http.Error(w, "warmup failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(handle)
}

type chatCompletionRequest struct {
	UserID string `json:"user_id"`
	proxy.ChatRequest
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	inst, err := s.inst.EnsureRunning(r.Context(), req.UserID, "")
	if err != nil {
		s.log.Error("chat: ensure_running failed", "user_id", req.UserID, "error", err)
		http.Error(w, "sandbox unavailable", http.StatusServiceUnavailable)
		return
	}

	target := proxy.SandboxTarget{
		Port:         inst.Port,
		GatewayToken: inst.GatewayToken,
		SessionKey:   inst.SessionKey,
		WorkspaceDir: filepath.Join(inst.DataPath, "workspace"),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 6*time.Minute)
	defer cancel()

	if err := s.proxy.Handle(ctx, w, target, req.UserID, req.ChatRequest); err != nil {
		s.log.Error("chat: proxy handling failed", "user_id", req.UserID, "error", err)
	}
}
