package dashboard

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/nmgrl/dvcsync/internal/catalog"
	"github.com/nmgrl/dvcsync/internal/syncer"
	"github.com/nmgrl/dvcsync/internal/transfer"
)

// RecordData is one transfer outcome
type RecordData struct {
	RunID      string `json:"run_id"`
	Repository string `json:"repository,omitempty"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// BatchData summarizes one export batch
type BatchData struct {
	Source   string        `json:"source"`
	Created  int           `json:"created"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// SyncData is one repository's sync result
type SyncData struct {
	Repository string        `json:"repository"`
	Initial    string        `json:"initial,omitempty"`
	State      string        `json:"state"`
	Ahead      int           `json:"ahead"`
	Behind     int           `json:"behind"`
	Conflicts  []string      `json:"conflicts,omitempty"`
	Recovery   string        `json:"recovery,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// StatsData carries running totals since the dashboard started plus the
// latest catalog row counts
type StatsData struct {
	Created int            `json:"created"`
	Skipped int            `json:"skipped"`
	Failed  int            `json:"failed"`
	Batches int            `json:"batches"`
	Syncs   map[string]int `json:"syncs"`
	Catalog *catalog.Stats `json:"catalog,omitempty"`
}

// Handler turns pipeline, watcher and sync events into dashboard
// messages. Its methods are safe for concurrent use, so OnOutcome can be
// installed directly as a transfer observer.
type Handler struct {
	server *Server
	logger *slog.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a handler broadcasting through server and installs
// the stats snapshot as the server's welcome message
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
		stats:  StatsData{Syncs: make(map[string]int)},
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// OnOutcome handles one transfer outcome
func (h *Handler) OnOutcome(o transfer.Outcome) {
	h.mu.Lock()
	switch o.Status {
	case transfer.Created:
		h.stats.Created++
	case transfer.Skipped:
		h.stats.Skipped++
	case transfer.Failed:
		h.stats.Failed++
	}
	h.mu.Unlock()

	h.send(MessageTypeRecord, RecordData{
		RunID:      o.RunID,
		Repository: o.Repository,
		Status:     o.Status.String(),
		Reason:     o.Reason,
	})
}

// OnBatch handles a finished export batch. Per-record totals are counted
// by OnOutcome, so only the batch count changes here.
func (h *Handler) OnBatch(source string, summary transfer.Summary, d time.Duration, err error) {
	h.mu.Lock()
	h.stats.Batches++
	h.mu.Unlock()

	data := BatchData{
		Source:   source,
		Created:  summary.Created,
		Skipped:  summary.Skipped,
		Failed:   summary.Failed,
		Duration: d,
	}
	if err != nil {
		data.Error = err.Error()
	}
	h.send(MessageTypeBatch, data)
	h.broadcastStats()
}

// OnSync handles one repository's smart sync. res may be nil when the
// sync failed before classifying the repository.
func (h *Handler) OnSync(repository string, res *syncer.Result, err error) {
	data := SyncData{Repository: filepath.Base(repository), State: "error"}
	if res != nil {
		data.Initial = res.Initial.String()
		data.State = res.State.String()
		data.Ahead = res.Divergence.Ahead
		data.Behind = res.Divergence.Behind
		data.Conflicts = res.Conflicts
		data.Recovery = string(res.Recovery)
		data.Duration = res.Duration
	}
	if err != nil {
		data.Error = err.Error()
	}

	h.mu.Lock()
	h.stats.Syncs[data.State]++
	h.mu.Unlock()

	h.send(MessageTypeSync, data)
}

// UpdateStats records fresh catalog row counts and broadcasts the totals
func (h *Handler) UpdateStats(s *catalog.Stats) {
	h.mu.Lock()
	h.stats.Catalog = s
	h.mu.Unlock()

	h.broadcastStats()
}

// Stats returns a copy of the current totals
func (h *Handler) Stats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot()
}

func (h *Handler) snapshot() StatsData {
	out := h.stats
	out.Syncs = make(map[string]int, len(h.stats.Syncs))
	for k, v := range h.stats.Syncs {
		out.Syncs[k] = v
	}
	return out
}

func (h *Handler) statsMessage() (Message, bool) {
	msg, err := NewMessage(MessageTypeStats, h.Stats())
	if err != nil {
		h.logger.Warn("failed to build stats message", "error", err)
		return Message{}, false
	}
	return msg, true
}

func (h *Handler) broadcastStats() {
	if msg, ok := h.statsMessage(); ok {
		h.server.Broadcast(msg)
	}
}

func (h *Handler) send(typ MessageType, data any) {
	msg, err := NewMessage(typ, data)
	if err != nil {
		h.logger.Warn("failed to build dashboard message", "error", err)
		return
	}
	h.server.Broadcast(msg)
}
