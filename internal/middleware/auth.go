package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"companion-server/internal/authutils"
	"companion-server/internal/models"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// TokenVerifier проверяет строку JWT и возвращает claims.
type TokenVerifier func(ctx context.Context, tokenString string) (*models.Claims, error)

// TelegramIdentityResolver находит (или создает при первом контакте) внутреннего
// пользователя для аккаунта Telegram из проверенного initData.
type TelegramIdentityResolver func(ctx context.Context, telegramUserID int64) (uuid.UUID, error)

// AuthMiddleware создает Echo middleware, принимающее две схемы Authorization:
//
//	Bearer <jwt>      - обычный access токен;
//	tma <initData>    - подписанная строка initData от Telegram Mini App.
//
// В обоих случаях UserID кладется в контекст запроса под models.UserContextKey.
func AuthMiddleware(verifier TokenVerifier, initDataVerifier *authutils.InitDataVerifier, resolver TelegramIdentityResolver, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			log := logger.With(zap.String("path", c.Request().URL.Path))

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				log.Warn("Authorization header missing")
				return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized: Missing token")
			}

			scheme, credentials, found := strings.Cut(authHeader, " ")
			if !found || credentials == "" {
				log.Warn("Malformed Authorization header")
				return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized: Malformed token header")
			}

			switch strings.ToLower(scheme) {
			case "bearer":
				return handleBearer(c, next, verifier, credentials, log)
			case "tma":
				return handleInitData(c, next, initDataVerifier, resolver, credentials, log)
			default:
				log.Warn("Unsupported Authorization scheme", zap.String("scheme", scheme))
				return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized: Unsupported authorization scheme")
			}
		}
	}
}

func handleBearer(c echo.Context, next echo.HandlerFunc, verifier TokenVerifier, tokenString string, log *zap.Logger) error {
	claims, err := verifier(c.Request().Context(), tokenString)
	if err != nil {
		msg := "Unauthorized: Invalid token"
		if errors.Is(err, models.ErrTokenExpired) {
			msg = "Unauthorized: Token expired"
		}
		log.Warn("Token verification failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusUnauthorized, msg)
	}

	setIdentity(c, claims.UserID, "jwt")
	log.Debug("User authorized via JWT", zap.String("userID", claims.UserID.String()))
	return next(c)
}

func handleInitData(c echo.Context, next echo.HandlerFunc, initDataVerifier *authutils.InitDataVerifier, resolver TelegramIdentityResolver, initData string, log *zap.Logger) error {
	if initDataVerifier == nil || resolver == nil {
		log.Warn("tma scheme used but initData verification is not configured")
		return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized: Unsupported authorization scheme")
	}

	tgUser, err := initDataVerifier.Verify(initData)
	if err != nil {
		msg := "Unauthorized: Invalid initData signature"
		if errors.Is(err, models.ErrTokenExpired) {
			msg = "Unauthorized: initData expired"
		}
		log.Warn("initData verification failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusUnauthorized, msg)
	}

	userID, err := resolver(c.Request().Context(), tgUser.ID)
	if err != nil {
		log.Error("Failed to resolve telegram identity", zap.Int64("telegramUserID", tgUser.ID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Internal server error")
	}

	setIdentity(c, userID, "telegram")
	log.Debug("User authorized via initData", zap.String("userID", userID.String()), zap.Int64("telegramUserID", tgUser.ID))
	return next(c)
}

func setIdentity(c echo.Context, userID uuid.UUID, source string) {
	ctx := context.WithValue(c.Request().Context(), models.UserContextKey, userID)
	ctx = context.WithValue(ctx, models.AuthSourceContextKey, source)
	c.SetRequest(c.Request().WithContext(ctx))
	c.Set("user_id", userID.String())
}

// InterServiceAuthMiddleware создает Echo middleware для внутренних маршрутов,
// проверяющее общий секрет в заголовке X-Internal-Service-Token.
func InterServiceAuthMiddleware(secret string, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			log := logger.With(zap.String("path", c.Request().URL.Path))

			token := c.Request().Header.Get("X-Internal-Service-Token")
			if token == "" {
				log.Warn("X-Internal-Service-Token header missing")
				return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized: Missing inter-service token")
			}

			// Сравнение за постоянное время
			if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				log.Warn("Inter-service token mismatch")
				return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized: Invalid inter-service token")
			}

			return next(c)
		}
	}
}
