package handler

import (
	"net/http"

	"companion-server/internal/models"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// grantCredits - POST /internal/users/:user_id/credits/grant.
// Начисление после платежного вебхука; защищено межсервисным токеном.
func (h *Handler) grantCredits(c echo.Context) error {
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid user ID format")
	}

	var req GrantCreditsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	tx, newBalance, replayed, err := h.ledger.Credit(
		c.Request().Context(),
		userID,
		req.Credits,
		models.TransactionReason(req.Reason),
		req.Reference,
		req.Description,
		req.IdempotencyKey,
	)
	if err != nil {
		h.logger.Error("Internal credit grant failed",
			zap.String("userID", userID.String()),
			zap.Int64("credits", req.Credits),
			zap.Error(err),
		)
		return handleServiceError(c, err)
	}

	return c.JSON(http.StatusOK, GrantCreditsResponse{
		Credits:       newBalance,
		TransactionID: tx.ID.String(),
		Replayed:      replayed,
	})
}

// activatePremium - POST /internal/users/:user_id/premium.
// Завершение оплаты подписки; следующий резолв тарифа увидит новый план.
func (h *Handler) activatePremium(c echo.Context) error {
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid user ID format")
	}

	var req ActivatePremiumRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	sub, err := h.entitlement.ActivatePremium(c.Request().Context(), userID, req.ExpiresAt)
	if err != nil {
		h.logger.Error("Premium activation failed", zap.String("userID", userID.String()), zap.Error(err))
		return handleServiceError(c, err)
	}

	return c.JSON(http.StatusOK, PremiumResponse{
		Plan:      string(sub.Plan),
		ExpiresAt: sub.ExpiresAt,
	})
}
