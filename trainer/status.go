package trainer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
)

// Snapshot is the coordinator's view of a run.
type Snapshot struct {
	RunID        string    `json:"runId"`
	Workers      int       `json:"workers"`
	Iteration    int       `json:"iteration"`
	Iterations   int       `json:"iterations"`
	LearningRate float32   `json:"learningRate"`
	MeanLoss     float64   `json:"meanLoss"`
	WorkerLoss   []float64 `json:"workerLoss"`
	ErrorRates   []float64 `json:"errorRates,omitempty"`
	Started      time.Time `json:"started"`
	Done         bool      `json:"done"`
}

type WorkerStatus struct {
	Rank      int      `json:"rank"`
	Loss      float64  `json:"loss"`
	ErrorRate *float64 `json:"errorRate,omitempty"`
}

// Board holds the latest Snapshot for concurrent readers.
type Board struct {
	mu   sync.RWMutex
	snap Snapshot
}

func NewBoard(runID string, workers, iterations int) *Board {
	return &Board{snap: Snapshot{
		RunID:      runID,
		Workers:    workers,
		Iterations: iterations,
		WorkerLoss: make([]float64, workers),
		Started:    time.Now(),
	}}
}

func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.snap
	s.WorkerLoss = append([]float64(nil), b.snap.WorkerLoss...)
	s.ErrorRates = append([]float64(nil), b.snap.ErrorRates...)
	return s
}

func (b *Board) update(fn func(s *Snapshot)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.snap)
}

// Worker returns the status of worker rank r, counted from 1.
func (b *Board) Worker(r int) (WorkerStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r < 1 || r > b.snap.Workers {
		return WorkerStatus{}, false
	}
	ws := WorkerStatus{Rank: r, Loss: b.snap.WorkerLoss[r-1]}
	if len(b.snap.ErrorRates) == b.snap.Workers {
		rate := b.snap.ErrorRates[r-1]
		ws.ErrorRate = &rate
	}
	return ws, true
}

// -------- HTTP -------- //

type statusHandler struct {
	logger hclog.Logger
	board  *Board
}

// NewStatusRouter serves GET /status and GET /status/workers/{rank}.
func NewStatusRouter(board *Board, logger hclog.Logger) *mux.Router {
	h := &statusHandler{logger: logger, board: board}
	r := mux.NewRouter()
	r.HandleFunc("/status", h.Status).Methods(http.MethodGet)
	r.HandleFunc("/status/workers/{rank:[0-9]+}", h.Worker).Methods(http.MethodGet)
	return r
}

func (h *statusHandler) Status(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")
	if err := toJSON(h.board.Snapshot(), rw); err != nil {
		h.logger.Error("writing status", "error", err)
	}
}

func (h *statusHandler) Worker(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	rank, err := strconv.Atoi(mux.Vars(r)["rank"])
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	ws, ok := h.board.Worker(rank)
	if !ok {
		rw.WriteHeader(http.StatusNotFound)
		toJSON("no worker with the given rank", rw)
		return
	}
	if err := toJSON(ws, rw); err != nil {
		h.logger.Error("writing worker status", "rank", rank, "error", err)
	}
}

func toJSON(i interface{}, w io.Writer) error {
	return json.NewEncoder(w).Encode(i)
}

// startStatusServer serves handler on addr until the returned stop function
// is called.
func startStatusServer(addr string, handler http.Handler, logger hclog.Logger) (stop func()) {
	server := &http.Server{
		Addr:     addr,
		Handler:  handler,
		ErrorLog: logger.StandardLogger(&hclog.StandardLoggerOptions{}),
	}

	go func() {
		logger.Info("starting status server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
}
