package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/caffeineduck/polybridge/hostfunc"
	"github.com/caffeineduck/polybridge/interpreter"
	"github.com/caffeineduck/polybridge/submission"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server in front of one interpreter",
	Long: `Start an HTTP server that submits code to a single supervised child.

Endpoints:
  POST   /interpret     Submit code, returns {"result":"...","output":"..."}
  POST   /start         Start the child ahead of the first submission
  POST   /stop          Fail pending submissions and stop the child
  GET    /status        Process state, restarts and queue depth
  GET    /state         List shared state keys
  DELETE /state         Clear the shared state
  GET    /state/{key}   Read a shared state entry
  PUT    /state/{key}   Write a shared state entry (JSON body)
  DELETE /state/{key}   Remove a shared state entry
  GET    /metrics       Prometheus metrics
  GET    /health        Health check`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default 127.0.0.1:8080)")
	rootCmd.AddCommand(serveCmd)
}

type interpretRequest struct {
	Code   string `json:"code"`
	Silent bool   `json:"silent,omitempty"`
}

type interpretResponse struct {
	Result     string `json:"result"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type statusResponse struct {
	Runtime  string `json:"runtime"`
	State    string `json:"state"`
	Running  bool   `json:"running"`
	Restarts int    `json:"restarts"`
	Pending  int    `json:"pending"`
	Error    string `json:"error,omitempty"`

	Functions []string `json:"functions"`
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
	}

	st, err := newStack(cfg, nil)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newServeMux(st),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		st.logger.Info("server listening", zap.String("addr", cfg.Server.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		st.Close(context.Background())
		return err
	case <-ctx.Done():
	}

	st.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		st.logger.Warn("server shutdown", zap.Error(err))
	}
	return st.Close(shutdownCtx)
}

func newServeMux(st *stack) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /interpret", func(w http.ResponseWriter, r *http.Request) {
		var req interpretRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Code == "" {
			http.Error(w, "code required", http.StatusBadRequest)
			return
		}

		start := time.Now()
		res, err := st.interpreter.Interpret(r.Context(), req.Code, req.Silent)
		resp := interpretResponse{
			Result:     res.Result.String(),
			DurationMs: time.Since(start).Milliseconds(),
		}
		if out, ok := res.Output(); ok {
			resp.Output = out
		} else {
			resp.Error, _ = res.Failure()
		}
		writeJSON(w, interpretStatus(err), resp)
	})

	mux.HandleFunc("POST /start", func(w http.ResponseWriter, r *http.Request) {
		if _, err := st.interpreter.Start(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, status(st, err))
			return
		}
		writeJSON(w, http.StatusOK, status(st, nil))
	})

	mux.HandleFunc("POST /stop", func(w http.ResponseWriter, r *http.Request) {
		if _, err := st.interpreter.Stop(r.Context()); err != nil {
			writeJSON(w, http.StatusInternalServerError, status(st, err))
			return
		}
		writeJSON(w, http.StatusOK, status(st, nil))
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, status(st, st.supervisor.LastError()))
	})

	mux.HandleFunc("GET /state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"keys":     st.bridge.Keys(),
			"capacity": st.bridge.Capacity(),
		})
	})

	mux.HandleFunc("DELETE /state", func(w http.ResponseWriter, r *http.Request) {
		st.bridge.Reset()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /state/{key}", func(w http.ResponseWriter, r *http.Request) {
		value, err := st.bridge.Get(r.PathValue("key"))
		if err != nil {
			http.Error(w, err.Error(), stateStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, value)
	})

	mux.HandleFunc("PUT /state/{key}", func(w http.ResponseWriter, r *http.Request) {
		var value any
		if err := json.NewDecoder(io.LimitReader(r.Body, hostfunc.DefaultMaxBodySize)).Decode(&value); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := st.bridge.Put(r.PathValue("key"), value); err != nil {
			http.Error(w, err.Error(), stateStatus(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /state/{key}", func(w http.ResponseWriter, r *http.Request) {
		if !st.bridge.Delete(r.PathValue("key")) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return mux
}

func status(st *stack, err error) statusResponse {
	resp := statusResponse{
		Runtime:  st.supervisor.Runtime(),
		State:    st.supervisor.State().String(),
		Running:  st.interpreter.IsRunning(),
		Restarts: st.supervisor.Restarts(),
		Pending:  st.service.Pending(),

		Functions: st.bridge.Functions(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// interpretStatus maps bridge failures to HTTP codes. Results produced by
// the child, including errors, are 200.
func interpretStatus(err error) int {
	var startErr *submission.StartupError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, submission.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, interpreter.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, submission.ErrInterpreterStopped),
		errors.Is(err, submission.ErrProcessTerminated),
		errors.As(err, &startErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func stateStatus(err error) int {
	switch {
	case errors.Is(err, hostfunc.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, hostfunc.ErrCapacityExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, hostfunc.ErrKeyTooLarge), errors.Is(err, hostfunc.ErrValueTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
