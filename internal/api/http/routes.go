package httpapi

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/crag-weather/internal/weather"
)

var validate = validator.New()

// RegisterRoutes wires the HTTP handlers into the Fiber app. Handlers run
// under ctx, so cancelling it stops in-flight ingestion requests.
func RegisterRoutes(ctx context.Context, app *fiber.App, pipeline *weather.Pipeline) {
	v1 := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.SetUserContext(ctx)
		return c.Next()
	})

	v1.Get("/weather", func(c *fiber.Ctx) error {
		q, err := parseCoordinateQuery(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		rec, err := pipeline.Weather(c.UserContext(), q.Lat, q.Lng)
		if err != nil {
			return upstreamError(err)
		}
		return c.JSON(rec)
	})

	v1.Get("/areas", func(c *fiber.Ctx) error {
		areas, err := pipeline.CachedAreas(c.UserContext())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read area cache")
		}
		return c.JSON(fiber.Map{
			"count": len(areas),
			"areas": areas,
		})
	})

	v1.Delete("/areas", func(c *fiber.Ctx) error {
		deleted, err := pipeline.ClearAreas(c.UserContext())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
				"deleted": deleted,
			})
		}
		return c.JSON(fiber.Map{"deleted": deleted})
	})

	v1.Get("/areas/:name/weather", func(c *fiber.Ctx) error {
		name, err := url.PathUnescape(c.Params("name"))
		if err != nil || name == "" {
			return fiber.NewError(fiber.StatusBadRequest, "invalid area name")
		}

		doc, err := pipeline.LatestForArea(c.UserContext(), name)
		if err != nil {
			if errors.Is(err, weather.ErrNoDocuments) {
				return fiber.NewError(fiber.StatusNotFound, "no weather stored for requested area")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch stored weather")
		}
		return c.JSON(doc)
	})

	v1.Post("/ingest/refresh", func(c *fiber.Ctx) error {
		result, err := pipeline.RefreshAreas(c.UserContext())
		if err != nil {
			return upstreamError(err)
		}
		return c.JSON(result)
	})

	v1.Post("/ingest/run", func(c *fiber.Ctx) error {
		summary, err := pipeline.EnrichAndPersist(c.UserContext())
		switch {
		case errors.Is(err, weather.ErrAllAreasFailed):
			return c.Status(fiber.StatusBadGateway).JSON(summary)
		case err != nil:
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		case summary.Degraded():
			return c.Status(fiber.StatusMultiStatus).JSON(summary)
		default:
			return c.JSON(summary)
		}
	})
}

// upstreamError maps collaborator failures onto HTTP status codes.
func upstreamError(err error) error {
	var fetchErr *weather.FetchError
	var decodeErr *weather.DecodeError
	switch {
	case errors.As(err, &fetchErr), errors.As(err, &decodeErr):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}

// coordinateQuery holds query parameters for a coordinate lookup.
type coordinateQuery struct {
	Lat float64 `validate:"gte=-90,lte=90"`
	Lng float64 `validate:"gte=-180,lte=180"`
}

func parseCoordinateQuery(c *fiber.Ctx) (coordinateQuery, error) {
	var q coordinateQuery

	lat, err := strconv.ParseFloat(c.Query("lat"), 64)
	if err != nil {
		return q, errors.New("lat query parameter must be a number")
	}
	lng, err := strconv.ParseFloat(c.Query("lng"), 64)
	if err != nil {
		return q, errors.New("lng query parameter must be a number")
	}
	q.Lat = lat
	q.Lng = lng

	if err := validate.Struct(q); err != nil {
		return q, err
	}

	return q, nil
}
