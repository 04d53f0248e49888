package interfaces

import (
	"context"

	"companion-server/internal/models"

	"github.com/google/uuid"
)

// UserRepository defines the interface for user account persistence.
//
//go:generate mockery --name UserRepository --output ./mocks --outpkg mocks --case=underscore
type UserRepository interface {
	// GetByID retrieves a user by their ID.
	// Returns models.ErrNotFound if the user does not exist.
	GetByID(ctx context.Context, q DBTX, id uuid.UUID) (*models.User, error)

	// GetByTelegramID retrieves a user linked to the given bot-platform account.
	// Returns models.ErrNotFound if no user is linked.
	GetByTelegramID(ctx context.Context, q DBTX, telegramUserID int64) (*models.User, error)

	// CreateWithTelegramID creates a user row for a bot-platform account on its
	// first contact. Concurrent creation for the same telegram id must resolve
	// to the same row (insert-on-conflict, then re-read).
	CreateWithTelegramID(ctx context.Context, q DBTX, telegramUserID int64) (*models.User, error)

	// EnsureExists creates a user row for the given id if it does not exist
	// yet (insert-on-conflict, no telegram link). Identities verified outside
	// the bot platform (JWT claims, internal routes) reach the datastore
	// through this call before their first balance/progress write.
	EnsureExists(ctx context.Context, q DBTX, id uuid.UUID) error
}
