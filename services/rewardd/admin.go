package rewardd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"help2earn/services/rewardd/recon"
)

// Reconciler runs one reconciliation sweep on demand.
type Reconciler interface {
	Run(ctx context.Context) (*recon.Result, error)
}

// AdminServer exposes HTTP endpoints for operator controls and reward queries.
type AdminServer struct {
	processor  *Processor
	reconciler Reconciler
	logger     *slog.Logger
	router     chi.Router
}

// NewAdminServer constructs a server wrapping the provided processor. auth
// guards every route except /healthz and /metrics.
func NewAdminServer(processor *Processor, reconciler Reconciler, auth *Authenticator, logger *slog.Logger) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AdminServer{processor: processor, reconciler: reconciler, logger: logger}
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Get("/status", s.handleStatus)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/reconcile", s.handleReconcile)
		r.Get("/rewards/{contributor}", s.handleRewards)
		r.Get("/stats", s.handleStats)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AdminServer) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.processor.Pause()
	s.logger.Warn("issuance paused by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.processor.Resume()
	s.logger.Info("issuance resumed by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.processor.Status())
}

type reconcileResponse struct {
	Skipped    bool   `json:"skipped"`
	Examined   int    `json:"examined"`
	Resolved   int    `json:"resolved"`
	Failed     int    `json:"failed"`
	Unresolved int    `json:"unresolved"`
	Report     string `json:"report,omitempty"`
}

func (s *AdminServer) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		http.Error(w, "reconciliation not configured", http.StatusServiceUnavailable)
		return
	}
	res, err := s.reconciler.Run(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, reconcileResponse{
		Skipped:    res.Skipped,
		Examined:   res.Examined,
		Resolved:   res.Resolved,
		Failed:     res.Failed,
		Unresolved: len(res.Unresolved),
		Report:     res.CSVPath,
	})
}

type rewardView struct {
	ID           string `json:"id"`
	FacilityID   string `json:"facility_id"`
	Kind         string `json:"kind"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	IssuedAmount int64  `json:"issued_amount"`
	TxRef        string `json:"tx_ref,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type rewardsResponse struct {
	Contributor       string       `json:"contributor"`
	TotalEarned       int64        `json:"total_earned"`
	ContributionCount int64        `json:"contribution_count"`
	Rewards           []rewardView `json:"rewards"`
}

func (s *AdminServer) handleRewards(w http.ResponseWriter, r *http.Request) {
	contributor, ok := contributorParam(chi.URLParam(r, "contributor"))
	if !ok {
		http.Error(w, "invalid contributor", http.StatusBadRequest)
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	summary, err := s.processor.Ledger().ContributorRewards(r.Context(), contributor, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := rewardsResponse{
		Contributor:       summary.Contributor,
		TotalEarned:       summary.TotalEarned,
		ContributionCount: summary.ContributionCount,
		Rewards:           make([]rewardView, 0, len(summary.Rewards)),
	}
	for _, record := range summary.Rewards {
		view := rewardView{
			ID:           record.ID.String(),
			FacilityID:   record.FacilityID.String(),
			Kind:         string(record.Kind),
			Status:       string(record.Status),
			Amount:       record.Amount,
			IssuedAmount: record.IssuedAmount,
			CreatedAt:    record.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
		if record.TxRef != nil {
			view.TxRef = *record.TxRef
		}
		resp.Rewards = append(resp.Rewards, view)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	contributor := ""
	if raw := strings.TrimSpace(r.URL.Query().Get("contributor")); raw != "" {
		parsed, ok := contributorParam(raw)
		if !ok {
			http.Error(w, "invalid contributor", http.StatusBadRequest)
			return
		}
		contributor = parsed
	}
	stats, err := s.processor.Ledger().Stats(r.Context(), contributor)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func contributorParam(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return "", false
	}
	return common.HexToAddress(raw).Hex(), true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		slog.Default().Debug("write admin response", slog.Any("error", err))
	}
}
