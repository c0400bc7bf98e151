// Package mocks provides testify mocks for the api package.
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/tejusbharadwaj/blueconnect/internal/api"
	"github.com/tejusbharadwaj/blueconnect/internal/models"
)

// Client is a mock of api.Client. FetchData stores the returned snapshot
// so Snapshot behaves like the real client.
type Client struct {
	mock.Mock

	mu     sync.RWMutex
	latest *models.Snapshot
}

func (m *Client) FetchData(ctx context.Context) (*models.Snapshot, error) {
	args := m.Called(ctx)
	snapshot, _ := args.Get(0).(*models.Snapshot)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	m.SetSnapshot(snapshot)
	return snapshot, nil
}

func (m *Client) Snapshot() *models.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// SetSnapshot sets the value returned by Snapshot
func (m *Client) SetSnapshot(s *models.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = s
}

func (m *Client) UserInfo(ctx context.Context) (map[string]interface{}, error) {
	args := m.Called(ctx)
	info, _ := args.Get(0).(map[string]interface{})
	return info, args.Error(1)
}

func (m *Client) Close() error {
	args := m.Called()
	return args.Error(0)
}

var _ api.Client = (*Client)(nil)
