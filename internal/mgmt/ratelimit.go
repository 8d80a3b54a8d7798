package mgmt

import (
	"math"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"

	"github.com/p-blackswan/factbot/internal/lru"
)

// maxTrackedClients bounds the cooldown table; the least recently seen
// clients are forgotten first.
const maxTrackedClients = 10000

// cooldown allows one successful request per client per window.
type cooldown struct {
	clients *lru.Cache[string, struct{}]
}

func newCooldown(window time.Duration, clock clockwork.Clock) *cooldown {
	return &cooldown{clients: lru.New[string, struct{}](maxTrackedClients, window, clock)}
}

// reserve claims the window for key. When key is still cooling down it
// returns the wait and false.
func (c *cooldown) reserve(key string) (time.Duration, bool) {
	return c.clients.PutIfAbsent(key, struct{}{})
}

// release gives back a reservation that did not lead to a submission.
func (c *cooldown) release(key string) {
	c.clients.Delete(key)
}

// NewCooldownMiddleware limits each client IP to one accepted submission per
// window. The slot is reserved before the handler runs, so concurrent
// requests from one client cannot both pass. Rejected or failed submissions
// give the slot back.
func NewCooldownMiddleware(window time.Duration, clock clockwork.Clock, onLimited func()) fiber.Handler {
	if window <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	cd := newCooldown(window, clock)

	return func(c *fiber.Ctx) error {
		clientIP := c.IP()
		wait, ok := cd.reserve(clientIP)
		if !ok {
			if onLimited != nil {
				onLimited()
			}
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limit_exceeded", "Too Many Requests",
				"Please wait "+wait.Round(time.Second).String()+" before submitting another fact.")
		}

		err := c.Next()
		if err != nil || c.Response().StatusCode() != fiber.StatusCreated {
			cd.release(clientIP)
		}
		return err
	}
}
