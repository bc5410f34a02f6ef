package handler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"content-sync/internal/core/logger"
	"content-sync/internal/features/records/domain"
	"content-sync/internal/features/records/ports"
	"content-sync/internal/features/records/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const keepAliveInterval = 15 * time.Second

// RecordHandler handles HTTP requests for synchronized records.
type RecordHandler struct {
	service ports.SyncService
	reader  ports.RecordReader
}

// NewRecordHandler creates a new RecordHandler.
func NewRecordHandler(service ports.SyncService, reader ports.RecordReader) *RecordHandler {
	return &RecordHandler{
		service: service,
		reader:  reader,
	}
}

// Register mounts the record routes on router.
func (h *RecordHandler) Register(router fiber.Router) {
	router.Put("/records/:id", h.PutRecord)
	router.Post("/records/batch", h.SyncBatch)
	router.Post("/records/force-sync", h.ForceSync)
	router.Get("/records", h.ListRecords)
	router.Get("/records/:id", h.GetRecord)
	router.Get("/records/:id/events", h.StreamRecord)
}

// PutRecord handles PUT /records/:id.
// @Summary Save a record
// @Description Schedules a banner or banner strip for synchronization. The write is accepted even when the remote store is unavailable.
// @Tags Records
// @Accept json
// @Produce json
// @Param id path string true "Record ID"
// @Param record body domain.Envelope true "Record envelope"
// @Success 202 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /records/{id} [put]
func (h *RecordHandler) PutRecord(c *fiber.Ctx) error {
	// Params is backed by the request buffer; the record outlives the request.
	id := utils.CopyString(c.Params("id"))

	var env domain.Envelope
	if err := c.BodyParser(&env); err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	rec, err := openWithID(env, id)
	if err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if err := h.service.SyncRecord(c.Context(), rec); err != nil {
		return h.syncError(c, err)
	}

	return c.Status(http.StatusAccepted).JSON(fiber.Map{
		"message": "Record accepted",
		"id":      id,
	})
}

// SyncBatch handles POST /records/batch.
// @Summary Save several records
// @Description Synchronizes records in order and answers once every accepted record was attempted.
// @Tags Records
// @Accept json
// @Produce json
// @Param records body []domain.Envelope true "Record envelopes"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Router /records/batch [post]
func (h *RecordHandler) SyncBatch(c *fiber.Ctx) error {
	var envs []domain.Envelope
	if err := c.BodyParser(&envs); err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	var (
		recs     []domain.Record
		rejected []string
	)
	for i, env := range envs {
		rec, err := env.Open()
		if err != nil {
			rejected = append(rejected, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		recs = append(recs, rec)
	}

	failed := 0
	if err := h.service.SyncAll(c.Context(), recs); err != nil {
		rejected = append(rejected, flatten(err)...)
		failed = recordErrors(err)
	}

	if len(rejected) > 0 {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error":    "Some records were rejected",
			"rejected": rejected,
			"synced":   len(recs) - failed,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"message": "Records synchronized",
		"synced":  len(recs),
	})
}

// ForceSync handles POST /records/force-sync.
// @Summary Force other processes to re-read their caches
// @Tags Records
// @Produce json
// @Success 202 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /records/force-sync [post]
func (h *RecordHandler) ForceSync(c *fiber.Ctx) error {
	if err := h.service.ForceCrossProcessSync(c.Context()); err != nil {
		logger.Get().Error("Failed to broadcast force sync", zap.Error(err))
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{
		"message": "Force sync broadcast",
	})
}

// GetRecord handles GET /records/:id.
// @Summary Get a record
// @Description Returns the record as this process currently sees it, with its sync metadata.
// @Tags Records
// @Produce json
// @Param id path string true "Record ID"
// @Success 200 {object} domain.StoredRecord
// @Failure 404 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /records/{id} [get]
func (h *RecordHandler) GetRecord(c *fiber.Ctx) error {
	id := c.Params("id")
	stored, err := h.reader.Get(c.Context(), id)
	if errors.Is(err, ports.ErrNotFound) {
		return c.Status(http.StatusNotFound).JSON(fiber.Map{
			"error": "Record not found",
		})
	}
	if err != nil {
		logger.Get().Error("Failed to get record", zap.String("id", id), zap.Error(err))
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
	return c.Status(http.StatusOK).JSON(stored)
}

// ListRecords handles GET /records.
// @Summary List records
// @Tags Records
// @Produce json
// @Success 200 {array} domain.StoredRecord
// @Router /records [get]
func (h *RecordHandler) ListRecords(c *fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(h.reader.Snapshot())
}

// StreamRecord handles GET /records/:id/events.
// @Summary Stream remote changes of a record
// @Description Server-Sent Events: one "change" event with the record envelope per remote change, "removed" when the record is absent. The current value is sent first.
// @Tags Records
// @Produce text/event-stream
// @Param id path string true "Record ID"
// @Param limit query int false "Close the stream after this many events"
// @Success 200 {string} string
// @Failure 500 {object} map[string]string
// @Router /records/{id}/events [get]
func (h *RecordHandler) StreamRecord(c *fiber.Ctx) error {
	id := utils.CopyString(c.Params("id"))
	limit := c.QueryInt("limit", 0)

	events := make(chan domain.Record, 16)
	unsubscribe, err := h.service.Subscribe(id, func(rec domain.Record) {
		select {
		case events <- rec:
		default:
			logger.Get().Warn("Dropping record event for slow stream", zap.String("id", id))
		}
	})
	if err != nil {
		logger.Get().Error("Failed to subscribe to record", zap.String("id", id), zap.Error(err))
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		sent := 0
		for {
			select {
			case rec := <-events:
				if err := writeEvent(w, id, rec); err != nil {
					return
				}
				sent++
				if limit > 0 && sent >= limit {
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": keep-alive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))
	return nil
}

func writeEvent(w *bufio.Writer, id string, rec domain.Record) error {
	if rec == nil {
		fmt.Fprintf(w, "event: removed\ndata: {\"id\":%q}\n\n", id)
		return w.Flush()
	}
	data, err := domain.Encode(rec)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "event: change\ndata: %s\n\n", data)
	return w.Flush()
}

func (h *RecordHandler) syncError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrQueueFull):
		return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Sync queue is full, retry later",
		})
	case errors.Is(err, domain.ErrMissingID), errors.Is(err, domain.ErrUnknownKind), errors.Is(err, domain.ErrNilRecord):
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	logger.Get().Error("Failed to schedule record", zap.Error(err))
	return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal server error",
	})
}

// openWithID decodes env and checks its id against the path id. A record
// without an id takes the path id.
func openWithID(env domain.Envelope, id string) (domain.Record, error) {
	rec, err := env.Open()
	if err != nil {
		return nil, err
	}
	switch r := rec.(type) {
	case *domain.Banner:
		if r.ID == "" {
			r.ID = id
		}
	case *domain.Strip:
		if r.ID == "" {
			r.ID = id
		}
	}
	if rec.RecordID() != id {
		return nil, fmt.Errorf("record id %q does not match path id %q", rec.RecordID(), id)
	}
	return rec, nil
}

// flatten splits a joined error into its messages.
func flatten(err error) []string {
	var out []string
	for _, e := range unjoin(err) {
		out = append(out, e.Error())
	}
	return out
}

// recordErrors counts the errors in err that belong to a single record. A
// context error ends the wait for the batch and names no record.
func recordErrors(err error) int {
	n := 0
	for _, e := range unjoin(err) {
		if errors.Is(e, context.Canceled) || errors.Is(e, context.DeadlineExceeded) {
			continue
		}
		n++
	}
	return n
}

func unjoin(err error) []error {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		return joined.Unwrap()
	}
	return []error{err}
}
