package models

import "errors"

// Общие ошибки
var (
	ErrNotFound     = errors.New("resource not found") // General not found
	ErrUnauthorized = errors.New("unauthorized")       // Authentication required or failed
	ErrForbidden    = errors.New("forbidden")          // Authenticated, but lacks permission
)

// Ошибки токенов / подписи
var (
	ErrTokenInvalid     = errors.New("token is invalid")
	ErrTokenMalformed   = errors.New("token is malformed")
	ErrTokenExpired     = errors.New("token has expired")
	ErrInvalidSignature = errors.New("bot platform signature verification failed")
)

// Ошибки леджера
var (
	ErrInsufficientFunds = errors.New("insufficient credits for this operation")
	// ErrLedgerInconsistent сигнализирует, что мутация баланса не может быть
	// зафиксирована вместе с записью в журнал транзакций. Это фатальная
	// несогласованность, а не обычный отказ.
	ErrLedgerInconsistent       = errors.New("balance mutation cannot be committed with its audit record")
	ErrDuplicateIdempotencyKey  = errors.New("transaction with this idempotency key already recorded")
	ErrInvalidTransactionAmount = errors.New("transaction amount must be positive")
)

// Ошибки прогрессии истории
var (
	ErrStoryCompleted = errors.New("story is already completed")
	ErrInvalidBranch  = errors.New("branch does not exist in the current chapter")
)

// Ошибки конкурентного доступа и инфраструктуры
var (
	// ErrConflict означает, что конкурентная мутация выиграла гонку; операция
	// может быть повторена после перечитывания состояния.
	ErrConflict       = errors.New("concurrent modification conflict")
	ErrInternalServer = errors.New("internal server error")
	ErrBadRequest     = errors.New("bad request")
	ErrInvalidInput   = errors.New("invalid input data")
)
