package mocks

import (
	"context"

	"companion-server/internal/messaging"

	"github.com/stretchr/testify/mock"
)

// Mock ClientUpdatePublisher
type ClientUpdatePublisher struct {
	mock.Mock
}

func (m *ClientUpdatePublisher) PublishBalanceUpdate(ctx context.Context, payload messaging.BalanceUpdate) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

func (m *ClientUpdatePublisher) PublishProgressUpdate(ctx context.Context, payload messaging.ProgressUpdate) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}
