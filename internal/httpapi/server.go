// Package httpapi exposes the operational HTTP surface of the billing
// service: the cron hook that triggers settlement, a health check, and
// Prometheus metrics. Business traffic never flows through HTTP; it
// arrives over the broker.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskexchange/billing/internal/billing"
)

// Server mounts the operational routes.
type Server struct {
	settlement *billing.Settlement
	logger     *zap.Logger
}

// NewServer creates the HTTP server facade.
func NewServer(settlement *billing.Settlement, logger *zap.Logger) *Server {
	return &Server{settlement: settlement, logger: logger}
}

// Handler returns the chi router with all routes mounted.
func (server *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(5 * time.Minute))

	router.Get("/healthz", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/cron/daily-withdraw", server.handleDailyWithdraw)

	return router
}

// handleDailyWithdraw runs one settlement pass. The external scheduler
// calls it once per settlement period; re-invocation is safe because
// settlement is idempotent per worker.
func (server *Server) handleDailyWithdraw(writer http.ResponseWriter, request *http.Request) {
	report, err := server.settlement.Run(request.Context())
	if err != nil {
		server.logger.Error("settlement run failed", zap.Error(err))
		writeJSON(writer, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	for _, failure := range report.Failed {
		server.logger.Error("worker payout failed",
			zap.String("worker_id", failure.WorkerID),
			zap.Int64("amount", failure.Amount),
			zap.Error(failure.Err))
	}
	for _, failure := range report.PublishFailed {
		server.logger.Error("settlement event publish failed",
			zap.String("event", failure.EventName),
			zap.String("worker_id", failure.WorkerID),
			zap.Error(failure.Err))
	}
	server.logger.Info("settlement completed",
		zap.String("closed_cycle_id", report.ClosedCycleID),
		zap.String("opened_cycle_id", report.OpenedCycleID),
		zap.Int("paid", len(report.Paid)),
		zap.Int("failed", len(report.Failed)))
	writeJSON(writer, http.StatusOK, reportResponse(report))
}

type payoutJSON struct {
	WorkerID    string `json:"worker_id"`
	Amount      int64  `json:"amount"`
	OperationID string `json:"operation_id,omitempty"`
	AlreadyPaid bool   `json:"already_paid,omitempty"`
}

type failureJSON struct {
	WorkerID string `json:"worker_id"`
	Amount   int64  `json:"amount"`
	Error    string `json:"error"`
}

type reportJSON struct {
	ClosedCycleID string        `json:"closed_cycle_id"`
	OpenedCycleID string        `json:"opened_cycle_id"`
	Paid          []payoutJSON  `json:"paid"`
	Failed        []failureJSON `json:"failed"`
}

func reportResponse(report billing.Report) reportJSON {
	response := reportJSON{
		ClosedCycleID: report.ClosedCycleID,
		OpenedCycleID: report.OpenedCycleID,
		Paid:          []payoutJSON{},
		Failed:        []failureJSON{},
	}
	for _, payout := range report.Paid {
		response.Paid = append(response.Paid, payoutJSON{
			WorkerID:    payout.WorkerID,
			Amount:      payout.Amount,
			OperationID: payout.OperationID,
			AlreadyPaid: payout.AlreadyPaid,
		})
	}
	for _, failure := range report.Failed {
		response.Failed = append(response.Failed, failureJSON{
			WorkerID: failure.WorkerID,
			Amount:   failure.Amount,
			Error:    failure.Err.Error(),
		})
	}
	return response
}

func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}
