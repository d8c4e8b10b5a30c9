package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/customer-cqrs/internal/model"
	"github.com/jmehdipour/customer-cqrs/internal/repository"
	"github.com/jmehdipour/customer-cqrs/internal/service/customer"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// CustomerCommands is the write side as seen by the API.
type CustomerCommands interface {
	Create(ctx context.Context, name, email string) (model.Customer, error)
	Update(ctx context.Context, cmd customer.UpdateCommand) (model.Customer, error)
	Delete(ctx context.Context, id string, expectedVersion *int64) error
}

type createReq struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type updateReq struct {
	Name            *string `json:"name"`
	Email           *string `json:"email"`
	ExpectedVersion *int64  `json:"expectedVersion"`
}

type commandResp struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

func commandError(c echo.Context, log *zap.Logger, err error) error {
	switch {
	case errors.Is(err, customer.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, customer.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, customer.ErrEmailTaken):
		return c.JSON(http.StatusConflict, map[string]string{"error": "email already in use"})
	case errors.Is(err, customer.ErrConcurrentUpdate):
		return c.JSON(http.StatusConflict, map[string]string{"error": "version conflict"})
	default:
		log.Error("customer command failed", zap.String("path", c.Path()), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func createCustomerHandler(svc CustomerCommands, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		cu, err := svc.Create(c.Request().Context(), req.Name, req.Email)
		if err != nil {
			return commandError(c, log, err)
		}
		c.Response().Header().Set(echo.HeaderLocation, "/v1/customers/"+cu.ID)
		// 202: the read model catches up asynchronously
		return c.JSON(http.StatusAccepted, commandResp{ID: cu.ID, Version: cu.Version})
	}
}

func updateCustomerHandler(svc CustomerCommands, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req updateReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		cu, err := svc.Update(c.Request().Context(), customer.UpdateCommand{
			ID:              c.Param("id"),
			Name:            req.Name,
			Email:           req.Email,
			ExpectedVersion: req.ExpectedVersion,
		})
		if err != nil {
			return commandError(c, log, err)
		}
		return c.JSON(http.StatusAccepted, commandResp{ID: cu.ID, Version: cu.Version})
	}
}

func deleteCustomerHandler(svc CustomerCommands, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var expected *int64
		if v := c.QueryParam("expectedVersion"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad expectedVersion"})
			}
			expected = &n
		}
		if err := svc.Delete(c.Request().Context(), c.Param("id"), expected); err != nil {
			return commandError(c, log, err)
		}
		return c.NoContent(http.StatusAccepted)
	}
}

// getCustomerHandler reads through the cache into the read model. A customer
// created moments ago may 404 until the projector has caught up.
func getCustomerHandler(views repository.CustomerViewsRepository, cache repository.CustomerViewCache, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id := c.Param("id")

		if v, err := cache.Get(ctx, id); err != nil {
			log.Warn("view cache get failed", zap.Error(err))
		} else if v != nil {
			return c.JSON(http.StatusOK, v)
		}

		v, err := views.Find(ctx, id)
		if err != nil {
			log.Error("read model query failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		if v == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}
		if err := cache.Set(ctx, *v); err != nil {
			log.Warn("view cache set failed", zap.Error(err))
		}
		return c.JSON(http.StatusOK, v)
	}
}

func listCustomersHandler(views repository.CustomerViewsRepository, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset := paging(c)

		var (
			rows []model.CustomerView
			err  error
		)
		if email := strings.TrimSpace(c.QueryParam("email")); email != "" {
			rows, err = views.FindByEmail(c.Request().Context(), strings.ToLower(email))
		} else {
			rows, err = views.List(c.Request().Context(), limit, offset)
		}
		if err != nil {
			log.Error("read model query failed", zap.Error(err))
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

func paging(c echo.Context) (limit, offset int) {
	limit = 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
