package httpapi

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
)

// NewApp returns a Fiber app with the service's JSON error handler.
func NewApp() *fiber.App {
	return fiber.New(fiber.Config{
		AppName:               "crag-weather",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          5 * time.Minute, // ingest runs answer after the whole batch
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})
}
