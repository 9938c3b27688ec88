package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caffeineduck/opawasm/policy"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve policy.wasm",
	Short: "Start HTTP server for policy evaluation",
	Long: `Start an HTTP server that evaluates one policy.

Endpoints:
  POST   /v1/evaluate      Evaluate, body {"input":...,"entrypoint":"..."}
  PUT    /v1/data          Replace the data document (JSON body)
  GET    /v1/entrypoints   List entrypoints
  GET    /health           Health check

Evaluations run one at a time. A request that times out discards the policy
instance; the next request reloads it with the current data.`,
	Args: cobra.ExactArgs(1),
	Run:  runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8181, "Port to listen on")
	serveCmd.Flags().Duration("timeout", 5*time.Second, "Evaluation timeout")
	serveCmd.Flags().Int64("max-request", 4*1024*1024, "Max request body size")
	addPolicyFlags(serveCmd)

	rootCmd.AddCommand(serveCmd)
}

type evaluateRequest struct {
	Input      json.RawMessage `json:"input,omitempty" jsonschema:"description=Input document; omitted means undefined input"`
	Entrypoint string          `json:"entrypoint,omitempty" jsonschema:"description=Entrypoint name; defaults to entrypoint 0"`
}

type evaluateResponse struct {
	Result     json.RawMessage `json:"result,omitempty" jsonschema:"description=Result set: an array of {result} objects"`
	DurationMs int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
}

type entrypointsResponse struct {
	Entrypoints map[string]int32 `json:"entrypoints"`
}

// policyServer owns the served policy. The policy is replaced when a
// cancelled evaluation closes it.
type policyServer struct {
	engine  *policy.Engine
	module  *policy.Module
	opts    []policy.Option
	timeout time.Duration
	maxBody int64
	logger  *zap.Logger

	mu   sync.Mutex
	p    *policy.Policy
	data json.RawMessage
}

func newPolicyServer(ctx context.Context, engine *policy.Engine, module *policy.Module, data json.RawMessage, opts ...policy.Option) (*policyServer, error) {
	s := &policyServer{
		engine:  engine,
		module:  module,
		opts:    opts,
		timeout: 5 * time.Second,
		maxBody: 4 * 1024 * 1024,
		logger:  zap.NewNop(),
		data:    data,
	}
	if err := s.reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// reload instantiates a fresh policy and applies the current data. Caller
// holds s.mu or has exclusive access.
func (s *policyServer) reload(ctx context.Context) error {
	p, err := s.engine.LoadModule(ctx, s.module, s.opts...)
	if err != nil {
		return err
	}
	if s.data != nil {
		if err := p.SetData(ctx, s.data); err != nil {
			p.Close(ctx)
			return fmt.Errorf("set data: %w", err)
		}
	}
	if s.p != nil {
		s.p.Close(ctx)
	}
	s.p = p
	return nil
}

// current returns the live policy, reloading it if needed. Reloads never use
// a request context, which would tie the new instance to that request.
func (s *policyServer) current() (*policy.Policy, error) {
	if s.p == nil {
		if err := s.reload(context.Background()); err != nil {
			return nil, err
		}
	}
	return s.p, nil
}

func (s *policyServer) evaluate(ctx context.Context, req evaluateRequest) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.current()
	if err != nil {
		return nil, err
	}

	var opts []policy.EvalOption
	if req.Entrypoint != "" {
		opts = append(opts, policy.WithEntrypoint(req.Entrypoint))
	}

	evalCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	// Undefined input is a nil interface, not an empty RawMessage.
	var input any
	if len(req.Input) > 0 {
		input = req.Input
	}
	result, err := p.EvaluateRaw(evalCtx, input, opts...)
	if evalCtx.Err() != nil {
		// The runtime closed with the context; load a new instance lazily.
		s.logger.Warn("evaluation cancelled, discarding policy instance", zap.Error(evalCtx.Err()))
		p.Close(context.Background())
		s.p = nil
	}
	return result, err
}

func (s *policyServer) setData(ctx context.Context, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.current()
	if err != nil {
		return err
	}
	// Data loads are short; a client hanging up must not close the policy.
	if err := p.SetData(context.WithoutCancel(ctx), data); err != nil {
		// The instance fell back to an empty document; reloads must agree.
		s.data = json.RawMessage("{}")
		return err
	}
	s.data = data
	return nil
}

func (s *policyServer) entrypoints() (map[string]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.current()
	if err != nil {
		return nil, err
	}
	return p.Entrypoints(), nil
}

func (s *policyServer) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p != nil {
		s.p.Close(context.Background())
		s.p = nil
	}
}

func (s *policyServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/evaluate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req evaluateRequest
		body := http.MaxBytesReader(w, r.Body, s.maxBody)
		if err := json.NewDecoder(body).Decode(&req); err != nil && err != io.EOF {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}

		start := time.Now()
		result, err := s.evaluate(r.Context(), req)
		resp := evaluateResponse{
			Result:     result,
			DurationMs: time.Since(start).Milliseconds(),
		}

		status := http.StatusOK
		if err != nil {
			resp.Error = err.Error()
			status = evaluateStatus(err)
		}
		writeJSON(w, status, resp)
	})

	mux.HandleFunc("/v1/data", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
		if err != nil {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}
		if !json.Valid(data) {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}

		if err := s.setData(r.Context(), data); err != nil {
			http.Error(w, fmt.Sprintf("set data: %v", err), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/v1/entrypoints", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		eps, err := s.entrypoints()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entrypointsResponse{Entrypoints: eps})
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}

func evaluateStatus(err error) int {
	var abortErr *policy.AbortError
	var builtinErr *policy.BuiltinError
	switch {
	case errors.Is(err, policy.ErrUnknownEntrypoint):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &abortErr), errors.As(err, &builtinErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func runServe(cmd *cobra.Command, args []string) {
	port, _ := cmd.Flags().GetInt("port")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-request")
	verbose, _ := cmd.Flags().GetBool("verbose")
	dataFile, _ := cmd.Flags().GetString("data")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := newEngine(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	wasm, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	module, err := engine.Compile(ctx, wasm)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var data json.RawMessage
	if dataFile != "" {
		if data, err = readDocument(dataFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	srv, err := newPolicyServer(ctx, engine, module, data, loadOptions(cmd)...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer srv.close()
	srv.timeout = timeout
	srv.maxBody = maxBody
	srv.logger = newLogger(verbose)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           srv.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "opawasm server listening on %s\n", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
