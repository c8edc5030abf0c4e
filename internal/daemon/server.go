package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/iotsandbox/detonator/internal/config"
	"github.com/iotsandbox/detonator/internal/detonerr"
	"github.com/iotsandbox/detonator/internal/pipeline"
	"github.com/iotsandbox/detonator/internal/sandbox"
	"github.com/iotsandbox/detonator/internal/transcript"
)

// Server is the detonatord HTTP API: a single-flight detonation queue
// fronted by a net/http mux, plus /healthz and /metrics, the same shape as
// the reference aegisvm daemon's internal/api/server.go fronting its
// lifecycle.Manager instead of a fleet of instances.
type Server struct {
	cfg         config.Provider
	cmds        pipeline.Commands
	remote      string
	metrics     *Metrics
	transcripts *transcript.Store

	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener

	// queue serializes detonation requests: concurrent detonations against
	// one pipeline are forbidden, so a second request simply waits for the
	// first to finish rather than being rejected.
	queue   chan struct{}
	queueMu sync.Mutex
	waiting int
}

// Options configures a Server.
type Options struct {
	Addr           string
	ConfigProvider config.Provider
	Commands       pipeline.Commands
	RemotePath     string
	Metrics        *Metrics
	// TranscriptDir, when set, makes every detonation's system-channel
	// milestones (run start and run finish) readable afterward at GET
	// /v1/runs/{id}/transcript. Empty means no transcript store is created.
	TranscriptDir string
}

// New constructs a Server. It does not start listening until Start.
func New(opts Options) *Server {
	s := &Server{
		cfg:     opts.ConfigProvider,
		cmds:    opts.Commands,
		remote:  opts.RemotePath,
		metrics: opts.Metrics,
		mux:     http.NewServeMux(),
		queue:   make(chan struct{}, 1),
	}
	if opts.TranscriptDir != "" {
		s.transcripts = transcript.NewStore(opts.TranscriptDir)
	}
	s.registerRoutes()
	s.server = &http.Server{Addr: opts.Addr, Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.Handler())
	s.mux.HandleFunc("POST /v1/detonate", s.handleDetonate)
	s.mux.HandleFunc("GET /v1/runs/{id}/transcript", s.handleTranscript)
}

// handleTranscript serves the buffered transcript lines for one run as
// NDJSON, the same per-line shape persisted to disk. 404s when no
// transcript store is configured or the run id is unknown.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		http.Error(w, "transcripts are not enabled on this daemon", http.StatusNotFound)
		return
	}
	rl := s.transcripts.Get(r.PathValue("id"))
	if rl == nil {
		http.Error(w, "unknown run id", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, line := range rl.Read(time.Time{}, 0) {
		enc.Encode(line)
	}
}

// Start begins listening. Matches the reference aegisvm daemon's
// Server.Start/Stop split (internal/api/server.go) so callers can defer a
// clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", s.server.Addr, err)
	}
	s.ln = ln
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("daemon: serve: %v", err)
		}
	}()
	log.Printf("daemon: listening on %s", ln.Addr())
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type detonateRequest struct {
	SamplePath string `json:"sample_path"`
}

// handleDetonate runs one full startup/run/shutdown cycle against the
// request body's sample path, queueing behind any in-flight detonation:
// at most one detonation runs at a time per pipeline instance.
func (s *Server) handleDetonate(w http.ResponseWriter, r *http.Request) {
	var req detonateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.SamplePath == "" {
		http.Error(w, "sample_path is required", http.StatusBadRequest)
		return
	}

	s.queueMu.Lock()
	s.waiting++
	s.metrics.setQueueDepth(s.waiting)
	s.queueMu.Unlock()

	s.queue <- struct{}{}
	defer func() { <-s.queue }()

	s.queueMu.Lock()
	s.waiting--
	s.metrics.setQueueDepth(s.waiting)
	s.queueMu.Unlock()

	result, err := s.detonate(r.Context(), req.SamplePath)
	if err != nil {
		log.Printf("daemon: detonation of %q failed: %v", req.SamplePath, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// detonate runs exactly one startup/run/shutdown cycle, recording metrics
// at each boundary. Shutdown runs after Run, whether Run failed or not. A
// Startup failure returns at once; Startup has already released what it
// acquired.
func (s *Server) detonate(ctx context.Context, samplePath string) (sandbox.DetonationResult, error) {
	start := time.Now()
	s.metrics.recordStart()

	p := pipeline.New(s.cfg, s.cmds, s.remote)
	p.Transcripts = s.transcripts

	if err := p.Startup(ctx); err != nil {
		s.metrics.recordFailure(stageOf(err), time.Since(start))
		return sandbox.DetonationResult{}, err
	}

	result, runErr := p.Run(ctx, samplePath)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.Shutdown(shutdownCtx)

	if runErr != nil {
		s.metrics.recordFailure(stageOf(runErr), time.Since(start))
		return sandbox.DetonationResult{}, runErr
	}

	s.metrics.recordSuccess(time.Since(start))
	return result, nil
}

// stageOf extracts the pipeline stage from err for metric labeling,
// falling back to "unknown" for errors that didn't originate as a
// detonerr.PipelineError.
func stageOf(err error) string {
	var pe *detonerr.PipelineError
	if errors.As(err, &pe) {
		return string(pe.Stage)
	}
	return "unknown"
}
