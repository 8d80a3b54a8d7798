package mgmt

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	slackgo "github.com/slack-go/slack"

	perrors "github.com/p-blackswan/factbot/internal/errors"
	"github.com/p-blackswan/factbot/internal/metrics"
	"github.com/p-blackswan/factbot/internal/slack"
	"github.com/p-blackswan/factbot/internal/store"
	"github.com/p-blackswan/factbot/internal/supervisor"
)

const (
	defaultPendingLimit = 50
	maxPendingLimit     = 500
)

// SessionReporter exposes the supervisor's current state.
type SessionReporter interface {
	Status() supervisor.Status
}

// FactStore is the moderation surface of the fact store.
type FactStore interface {
	Submit(ctx context.Context, sub store.Submission) (*store.Fact, error)
	Approve(ctx context.Context, id int64, reviewer string) (*store.Fact, error)
	Deny(ctx context.Context, id int64, reviewer string) error
	Pending(ctx context.Context, limit int) ([]store.Fact, error)
	Counts(ctx context.Context) (store.Counts, error)
}

// RandomSource returns a random approved fact.
type RandomSource interface {
	RandomFact(ctx context.Context) (string, bool, error)
}

// Reviewer posts submissions for review and handles review callbacks.
type Reviewer interface {
	NotifySubmission(ctx context.Context, f *store.Fact) error
	Verify(header http.Header, body []byte) error
	HandleInteraction(ctx context.Context, callback slackgo.InteractionCallback) []slack.Decision
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	session  SessionReporter
	facts    FactStore
	random   RandomSource
	reviewer Reviewer
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewHandlers creates a new Handlers instance. reviewer may be nil.
func NewHandlers(session SessionReporter, facts FactStore, random RandomSource, reviewer Reviewer, m *metrics.Metrics, logger zerolog.Logger) *Handlers {
	return &Handlers{
		session:  session,
		facts:    facts,
		random:   random,
		reviewer: reviewer,
		metrics:  m,
		logger:   logger.With().Str("component", "handlers").Logger(),
	}
}

// Session handles GET /api/v1/session.
func (h *Handlers) Session(c *fiber.Ctx) error {
	if h.session == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"session_unavailable", "Service Unavailable",
			"No session supervisor is running")
	}
	return c.JSON(h.session.Status())
}

// SubmitFact handles POST /api/v1/facts.
func (h *Handlers) SubmitFact(c *fiber.Ctx) error {
	var req SubmitFactRequest
	if err := c.BodyParser(&req); err != nil {
		h.metrics.RecordSubmission("invalid")
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}

	fact, err := h.facts.Submit(c.UserContext(), store.Submission{
		Text:   req.Text,
		Author: req.Author,
		IP:     c.IP(),
	})
	if err != nil {
		if errors.Is(err, perrors.ErrInvalidInput) {
			h.metrics.RecordSubmission("invalid")
		} else {
			h.metrics.RecordSubmission("error")
		}
		return h.storeError(c, err)
	}
	h.metrics.RecordSubmission("accepted")

	if h.reviewer != nil {
		if err := h.reviewer.NotifySubmission(c.UserContext(), fact); err != nil {
			h.metrics.RecordError("slack", "notify")
			h.logger.Warn().Err(err).Int64("fact_id", fact.ID).Msg("failed to notify review channel")
		}
	}

	return c.Status(fiber.StatusCreated).JSON(fact)
}

// PendingFacts handles GET /api/v1/facts/pending.
func (h *Handlers) PendingFacts(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultPendingLimit)
	if limit <= 0 || limit > maxPendingLimit {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_limit", "Bad Request",
			"limit must be between 1 and "+strconv.Itoa(maxPendingLimit))
	}

	facts, err := h.facts.Pending(c.UserContext(), limit)
	if err != nil {
		return h.storeError(c, err)
	}
	if facts == nil {
		facts = []store.Fact{}
	}
	return c.JSON(FactListResponse{Facts: facts, Count: len(facts)})
}

// FactCounts handles GET /api/v1/facts/counts.
func (h *Handlers) FactCounts(c *fiber.Ctx) error {
	counts, err := h.facts.Counts(c.UserContext())
	if err != nil {
		return h.storeError(c, err)
	}
	return c.JSON(counts)
}

// ApproveFact handles POST /api/v1/facts/:id/approve.
func (h *Handlers) ApproveFact(c *fiber.Ctx) error {
	id, ok := factID(c)
	if !ok {
		return invalidID(c)
	}
	fact, err := h.facts.Approve(c.UserContext(), id, "api")
	if err != nil {
		return h.storeError(c, err)
	}
	h.metrics.RecordReview(slack.ActionApprove, "api")
	return c.JSON(fact)
}

// DenyFact handles DELETE /api/v1/facts/:id.
func (h *Handlers) DenyFact(c *fiber.Ctx) error {
	id, ok := factID(c)
	if !ok {
		return invalidID(c)
	}
	if err := h.facts.Deny(c.UserContext(), id, "api"); err != nil {
		return h.storeError(c, err)
	}
	h.metrics.RecordReview(slack.ActionDeny, "api")
	return c.SendStatus(fiber.StatusNoContent)
}

// RandomFact handles GET /api/v1/facts/random.
func (h *Handlers) RandomFact(c *fiber.Ctx) error {
	text, ok, err := h.random.RandomFact(c.UserContext())
	if err != nil {
		return h.storeError(c, err)
	}
	if !ok {
		return problemResponse(c, fiber.StatusNotFound,
			"no_facts", "Not Found",
			"No approved facts yet")
	}
	return c.JSON(RandomFactResponse{Text: text})
}

// SlackInteractions handles POST /slack/interactions.
func (h *Handlers) SlackInteractions(c *fiber.Ctx) error {
	if h.reviewer == nil {
		return problemResponse(c, fiber.StatusNotFound,
			"slack_disabled", "Not Found",
			"Slack review is not configured")
	}

	body := c.Body()
	header := http.Header{}
	for k, vs := range c.GetReqHeaders() {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if err := h.reviewer.Verify(header, body); err != nil {
		h.logger.Warn().Err(err).Str("ip", c.IP()).Msg("rejected slack interaction")
		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_signature", "Unauthorized",
			"Slack signature verification failed")
	}

	callback, err := slack.ParseInteraction(body)
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_payload", "Bad Request",
			err.Error())
	}

	for _, d := range h.reviewer.HandleInteraction(c.UserContext(), callback) {
		if d.Err != nil {
			h.metrics.RecordError("slack", "review")
			continue
		}
		h.metrics.RecordReview(d.Action, "slack")
	}
	return c.SendStatus(fiber.StatusOK)
}

func factID(c *fiber.Ctx) (int64, bool) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	return id, err == nil && id > 0
}

func invalidID(c *fiber.Ctx) error {
	return problemResponse(c, fiber.StatusBadRequest,
		"invalid_id", "Bad Request",
		"fact id must be a positive integer")
}

// storeError maps store failures to problem responses.
func (h *Handlers) storeError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, perrors.ErrInvalidInput):
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_fact", "Bad Request", err.Error())
	case errors.Is(err, perrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound,
			"not_found", "Not Found", err.Error())
	case errors.Is(err, perrors.ErrStorage):
		h.metrics.RecordError("store", "unavailable")
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"storage_unavailable", "Service Unavailable",
			"The fact store is temporarily unavailable")
	default:
		h.metrics.RecordError("store", "query")
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("store error")
		return problemResponse(c, fiber.StatusInternalServerError,
			"internal_error", "Internal Server Error",
			"An internal error occurred")
	}
}
