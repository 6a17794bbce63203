// mock-gateway simulates the external messaging gateway for local runs and
// integration tests. The outcome of each send is scripted through env vars,
// so failure handling (retries, bans, rate limits) can be exercised without
// a real provider.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
)

type config struct {
	Port        string  `envconfig:"PORT" default:"8081"`
	APIKey      string  `envconfig:"MOCK_API_KEY" default:""`
	OutcomeMode string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw string  `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	DelayMs     int     `envconfig:"MOCK_DELAY_MS" default:"0"`
	TimeoutMs   int     `envconfig:"MOCK_TIMEOUT_DELAY_MS" default:"12000"`

	Outcomes []string
	Delay    time.Duration
	Timeout  time.Duration
}

type transmitRequest struct {
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	MediaKey  string `json:"mediaKey,omitempty"`
	ProxyURL  string `json:"proxyUrl,omitempty"`
}

type transmitResponse struct {
	MessageRef string `json:"messageRef,omitempty"`
	Status     string `json:"status"`
	ErrorCode  string `json:"errorCode,omitempty"`
	Message    string `json:"message,omitempty"`
}

type server struct {
	cfg   config
	idx   uint64
	rng   *rand.Rand
	rngMu sync.Mutex
}

func main() {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))

	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock gateway config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.Delay = time.Duration(cfg.DelayMs) * time.Millisecond
	cfg.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond

	s := &server{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}

	router := mux.NewRouter()
	router.HandleFunc("/v1/sessions/{ref}/messages", s.handleTransmit).Methods(http.MethodPost)

	slog.Info("mock gateway listening", "port", cfg.Port, "mode", cfg.OutcomeMode)
	if err := http.ListenAndServe(":"+cfg.Port, loggingMiddleware(router)); err != nil {
		slog.Error("mock gateway server failed", "err", err)
		os.Exit(1)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("mock gateway request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *server) handleTransmit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.APIKey {
		writeJSON(w, http.StatusUnauthorized, transmitResponse{Status: "error", Message: "unauthorized"})
		return
	}

	sessionRef := mux.Vars(r)["ref"]
	var req transmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, transmitResponse{Status: "error", Message: "invalid json"})
		return
	}
	if req.Recipient == "" || (req.Content == "" && req.MediaKey == "") {
		writeJSON(w, http.StatusUnprocessableEntity, transmitResponse{
			Status: "error", ErrorCode: "invalid_recipient", Message: "recipient and content required",
		})
		return
	}

	if s.cfg.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.Delay):
		}
	}

	switch s.nextOutcome() {
	case "ok", "success":
		ref := fmt.Sprintf("GW%06d", atomic.AddUint64(&s.idx, 1))
		slog.Info("mock gateway accepted", "session_ref", sessionRef, "recipient", req.Recipient, "message_ref", ref)
		writeJSON(w, http.StatusOK, transmitResponse{MessageRef: ref, Status: "sent"})
	case "invalid_recipient":
		writeJSON(w, http.StatusUnprocessableEntity, transmitResponse{
			Status: "error", ErrorCode: "invalid_recipient", Message: "recipient does not exist",
		})
	case "session_revoked":
		writeJSON(w, http.StatusForbidden, transmitResponse{
			Status: "error", ErrorCode: "session_revoked", Message: "session is no longer valid",
		})
	case "account_banned":
		writeJSON(w, http.StatusForbidden, transmitResponse{
			Status: "error", ErrorCode: "account_banned", Message: "account permanently banned",
		})
	case "rate_limit", "429":
		writeJSON(w, http.StatusTooManyRequests, transmitResponse{
			Status: "error", ErrorCode: "rate_limited", Message: "too many requests",
		})
	case "timeout":
		time.Sleep(s.cfg.Timeout)
		writeJSON(w, http.StatusGatewayTimeout, transmitResponse{
			Status: "error", ErrorCode: "timeout", Message: "request timed out",
		})
	default:
		writeJSON(w, http.StatusInternalServerError, transmitResponse{
			Status: "error", ErrorCode: "provider_error", Message: "internal error",
		})
	}
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		if ok {
			return "ok"
		}
		return s.cfg.Outcomes[i]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}
