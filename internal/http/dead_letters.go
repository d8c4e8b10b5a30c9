package http

import (
	"net/http"
	"strings"

	"github.com/jmehdipour/customer-cqrs/internal/repository"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func listDeadLettersHandler(archive repository.CHDeadLettersRepository, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset := paging(c)
		eventType := strings.TrimSpace(c.QueryParam("eventType"))

		rows, err := archive.List(c.Request().Context(), eventType, limit, offset)
		if err != nil {
			log.Error("clickhouse list failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}

func getDeadLetterHandler(archive repository.CHDeadLettersRepository, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		dl, err := archive.GetByEventID(c.Request().Context(), c.Param("eventId"))
		if err != nil {
			log.Error("clickhouse get failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		if dl == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}
		return c.JSON(http.StatusOK, dl)
	}
}
