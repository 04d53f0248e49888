package authutils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"companion-server/internal/models"

	"go.uber.org/zap"
)

// Константа-ключ из протокола Telegram Mini Apps.
const webAppDataKey = "WebAppData"

// TelegramUser - подмножество полей user из initData, которое нам нужно.
type TelegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// InitDataVerifier проверяет подпись initData от Telegram Mini App.
//
// Строка проверки данных строится из всех пар initData кроме hash,
// отсортированных по ключу и склеенных как "key=value" через "\n".
// Секрет подписи: HMAC-SHA256(key="WebAppData", message=botToken).
// Ожидаемый hash: hex(HMAC-SHA256(key=secret, message=dataCheckString)).
type InitDataVerifier struct {
	botToken string
	maxAge   time.Duration
	logger   *zap.Logger
}

// NewInitDataVerifier создает верификатор initData.
// maxAge <= 0 отключает проверку возраста auth_date.
func NewInitDataVerifier(botToken string, maxAge time.Duration, logger *zap.Logger) (*InitDataVerifier, error) {
	if botToken == "" {
		return nil, errors.New("telegram bot token cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InitDataVerifier{
		botToken: botToken,
		maxAge:   maxAge,
		logger:   logger.Named("InitDataVerifier"),
	}, nil
}

// Verify проверяет подпись initData и возвращает пользователя Telegram.
// Возвращает models.ErrInvalidSignature при любом несовпадении подписи и
// models.ErrTokenExpired, если auth_date старше допустимого возраста.
func (v *InitDataVerifier) Verify(initData string) (*TelegramUser, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		v.logger.Warn("Failed to parse initData query string", zap.Error(err))
		return nil, fmt.Errorf("%w: malformed initData", models.ErrInvalidSignature)
	}

	providedHash := values.Get("hash")
	if providedHash == "" {
		return nil, fmt.Errorf("%w: hash is missing", models.ErrInvalidSignature)
	}
	values.Del("hash")

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+values.Get(key))
	}
	dataCheckString := strings.Join(pairs, "\n")

	secretMac := hmac.New(sha256.New, []byte(webAppDataKey))
	secretMac.Write([]byte(v.botToken))
	secret := secretMac.Sum(nil)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(dataCheckString))
	expectedHash := hex.EncodeToString(mac.Sum(nil))

	// Сравнение за постоянное время
	if !hmac.Equal([]byte(expectedHash), []byte(providedHash)) {
		v.logger.Warn("initData signature mismatch")
		return nil, models.ErrInvalidSignature
	}

	if v.maxAge > 0 {
		authDateRaw := values.Get("auth_date")
		authDateUnix, parseErr := strconv.ParseInt(authDateRaw, 10, 64)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: auth_date is missing or malformed", models.ErrInvalidSignature)
		}
		if time.Since(time.Unix(authDateUnix, 0)) > v.maxAge {
			v.logger.Warn("initData is too old", zap.Int64("authDate", authDateUnix))
			return nil, models.ErrTokenExpired
		}
	}

	userJSON := values.Get("user")
	if userJSON == "" {
		return nil, fmt.Errorf("%w: user field is missing", models.ErrInvalidSignature)
	}
	var user TelegramUser
	if err := json.Unmarshal([]byte(userJSON), &user); err != nil {
		v.logger.Warn("Failed to unmarshal telegram user", zap.Error(err))
		return nil, fmt.Errorf("%w: malformed user field", models.ErrInvalidSignature)
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("%w: user id is missing", models.ErrInvalidSignature)
	}

	v.logger.Debug("initData verified", zap.Int64("telegramUserID", user.ID))
	return &user, nil
}

// Sign подписывает пары initData токеном бота. Используется в тестах для
// генерации валидных строк initData.
func Sign(values url.Values, botToken string) string {
	values.Del("hash")
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+values.Get(key))
	}
	secretMac := hmac.New(sha256.New, []byte(webAppDataKey))
	secretMac.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secretMac.Sum(nil))
	mac.Write([]byte(strings.Join(pairs, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}
