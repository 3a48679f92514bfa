package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/fanbeam/fanbeam/internal/payout"
)

const cycleDateLayout = "2006-01-02"

// PayoutHandler exposes the internal payout trigger and reporting endpoints.
type PayoutHandler struct {
	coordinator *payout.Coordinator
	scheduler   *payout.ChunkScheduler
	store       payout.Store
	guard       *payout.RunGuard
	logger      *slog.Logger
}

// NewPayoutHandler constructs the handler.
func NewPayoutHandler(coordinator *payout.Coordinator, scheduler *payout.ChunkScheduler, store payout.Store, guard *payout.RunGuard, logger *slog.Logger) *PayoutHandler {
	return &PayoutHandler{
		coordinator: coordinator,
		scheduler:   scheduler,
		store:       store,
		guard:       guard,
		logger:      logger,
	}
}

// RegisterPayoutRoutes wires the internal payout endpoints.
func RegisterPayoutRoutes(r fiber.Router, h *PayoutHandler) {
	r.Post("/run", h.Run)
	r.Get("/status/:runId", h.Status)
	r.Get("/health", h.Health)
}

type runRequest struct {
	CycleDate string `json:"cycle_date"`
}

// Run triggers the payout cycle for a calendar date (default: today). Batch
// materialization happens synchronously so the caller gets a run_id; chunk
// processing continues in the background after the 202.
func (h *PayoutHandler) Run(c *fiber.Ctx) error {
	var req runRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
	}

	cycleDate := time.Now().UTC()
	if req.CycleDate != "" {
		parsed, err := time.Parse(cycleDateLayout, req.CycleDate)
		if err != nil {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "cycle_date must be YYYY-MM-DD"})
		}
		cycleDate = parsed
	}
	cutoff := payout.CycleCutoff(cycleDate)
	cycleHash := payout.BatchHashFor(cutoff, payout.ScheduleSemiMonthly)

	acquired, err := h.guard.Acquire(c.UserContext(), cycleHash)
	if err != nil {
		h.logger.Error("acquire run guard", "error", err)
		return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{"error": "run guard unavailable"})
	}
	if !acquired {
		return c.Status(http.StatusConflict).JSON(fiber.Map{
			"error":      "payout run already in progress",
			"cycle_date": cutoff.Format(cycleDateLayout),
		})
	}

	batch, err := h.coordinator.CreateBatch(c.UserContext(), cutoff, payout.ScheduleSemiMonthly)
	if err != nil {
		_ = h.guard.Release(c.UserContext(), cycleHash)
		h.logger.Error("create payout batch", "cycle_date", cutoff.Format(cycleDateLayout), "error", err)
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "create payout batch"})
	}

	if batch.Status == payout.BatchCompleted {
		_ = h.guard.Release(c.UserContext(), cycleHash)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "succeeded",
			"run_id":     batch.ID,
			"cycle_date": cutoff.Format(cycleDateLayout),
		})
	}

	go h.drain(batch, cycleHash)

	return c.Status(http.StatusAccepted).JSON(fiber.Map{
		"run_id":      batch.ID,
		"cycle_date":  cutoff.Format(cycleDateLayout),
		"total_items": batch.TotalItems,
	})
}

// drain runs chunk processing detached from the request and frees the cycle
// guard when the run settles.
func (h *PayoutHandler) drain(batch payout.Batch, cycleHash string) {
	ctx := context.Background()
	defer func() { _ = h.guard.Release(ctx, cycleHash) }()

	if err := h.scheduler.ProcessBatch(ctx, batch); err != nil {
		h.logger.Error("process payout batch", "batch_id", batch.ID, "error", err)
	}
}

// Status reports one run's item counters.
func (h *PayoutHandler) Status(c *fiber.Ctx) error {
	runID := c.Params("runId")

	batch, err := h.store.GetBatch(c.UserContext(), runID)
	if err != nil {
		if errors.Is(err, payout.ErrBatchNotFound) {
			return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "run not found"})
		}
		h.logger.Error("get payout batch", "run_id", runID, "error", err)
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "get run"})
	}
	totals, err := h.store.BatchTotals(c.UserContext(), runID)
	if err != nil {
		h.logger.Error("payout batch totals", "run_id", runID, "error", err)
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "get run totals"})
	}

	return c.JSON(fiber.Map{
		"run_id":           batch.ID,
		"status":           batch.Status,
		"cycle_date":       batch.CutoffAt.Format(cycleDateLayout),
		"total_payouts":    totals.TotalPayouts,
		"paid_count":       totals.PaidCount,
		"failed_count":     totals.FailedCount,
		"processing_count": totals.ProcessingCount,
		"total_amount":     totals.TotalAmountTokens,
	})
}

// Health summarizes pipeline state for operators: recent runs, runs stuck in
// processing for over an hour, and the week's failed payout count.
func (h *PayoutHandler) Health(c *fiber.Ctx) error {
	ctx := c.UserContext()
	now := time.Now().UTC()

	recent, err := h.store.RecentBatches(ctx, 10)
	if err != nil {
		h.logger.Error("recent payout batches", "error", err)
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "load recent runs"})
	}
	stuck, err := h.store.StuckBatches(ctx, now.Add(-time.Hour))
	if err != nil {
		h.logger.Error("stuck payout batches", "error", err)
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "load stuck runs"})
	}
	failed, err := h.store.FailedItemCount(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		h.logger.Error("failed payout count", "error", err)
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "load failure count"})
	}

	return c.JSON(fiber.Map{
		"healthy":         len(stuck) == 0,
		"recent_runs":     batchSummaries(recent),
		"stuck_runs":      batchSummaries(stuck),
		"failed_payouts":  failed,
		"failed_window":   "168h",
		"stuck_threshold": "1h",
	})
}

func batchSummaries(batches []payout.Batch) []fiber.Map {
	out := make([]fiber.Map, 0, len(batches))
	for _, b := range batches {
		out = append(out, fiber.Map{
			"run_id":           b.ID,
			"status":           b.Status,
			"cycle_date":       b.CutoffAt.Format(cycleDateLayout),
			"total_items":      b.TotalItems,
			"processed_items":  b.ProcessedItems,
			"successful_items": b.SuccessfulItems,
			"failed_items":     b.FailedItems,
			"created_at":       b.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	return out
}
