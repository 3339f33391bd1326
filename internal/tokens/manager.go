// Package tokens serializes OAuth token refresh per channel so that
// concurrent sync runs and outbound sends never race each other into the
// provider's token endpoint.
package tokens

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/relaydesk/mailcore/internal/model"
	"github.com/relaydesk/mailcore/internal/provider"
)

// refreshSkew refreshes tokens slightly before their wall-clock expiry so
// an in-flight provider call never lands with a just-expired token.
const refreshSkew = 2 * time.Minute

// Store is the slice of the persistence layer the manager needs.
type Store interface {
	ChannelByID(ctx context.Context, id int64) (*model.Channel, error)
	UpdateChannelToken(ctx context.Context, channelID int64, accessToken, refreshToken string, expiry, prevExpiry time.Time) (bool, error)
}

// Manager hands out valid access tokens, refreshing through the channel's
// provider adapter when needed.
type Manager struct {
	store   Store
	factory provider.Factory
	log     *zap.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewManager(store Store, factory provider.Factory, log *zap.Logger) *Manager {
	return &Manager{
		store:   store,
		factory: factory,
		log:     log,
		locks:   map[int64]*sync.Mutex{},
	}
}

// channelLock returns the mutex dedicated to one channel id.
func (m *Manager) channelLock(channelID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[channelID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[channelID] = l
	}
	return l
}

// EnsureValid returns a channel whose access token is good for at least
// refreshSkew. When the token is stale it refreshes under the channel's
// lock, persists with a compare-and-swap on the previously stored expiry,
// and on a lost race re-reads the winner's token instead of overwriting it.
func (m *Manager) EnsureValid(ctx context.Context, ch *model.Channel) (*model.Channel, error) {
	if !ch.TokenExpired(time.Now().Add(refreshSkew)) {
		return ch, nil
	}

	lock := m.channelLock(ch.ID)
	lock.Lock()
	defer lock.Unlock()

	// Another goroutine may have refreshed while we waited on the lock.
	fresh, err := m.store.ChannelByID(ctx, ch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload channel %d: %w", ch.ID, err)
	}
	if fresh == nil {
		return nil, fmt.Errorf("channel %d no longer exists", ch.ID)
	}
	if !fresh.TokenExpired(time.Now().Add(refreshSkew)) {
		return fresh, nil
	}

	adapter, err := m.factory(fresh.Provider)
	if err != nil {
		return nil, err
	}

	tok, err := adapter.Refresh(ctx, &oauth2.Token{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		Expiry:       fresh.TokenExpiry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token for channel %d: %w", fresh.ID, err)
	}

	// Some providers rotate refresh tokens only occasionally; keep the old
	// one when the response omits it.
	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = fresh.RefreshToken
	}

	swapped, err := m.store.UpdateChannelToken(ctx, fresh.ID, tok.AccessToken, refreshToken, tok.Expiry, fresh.TokenExpiry)
	if err != nil {
		return nil, err
	}
	if !swapped {
		m.log.Debug("lost token refresh race, using stored token",
			zap.Int64("channel_id", fresh.ID))
		current, err := m.store.ChannelByID(ctx, fresh.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload channel %d after lost refresh race: %w", fresh.ID, err)
		}
		if current == nil {
			return nil, fmt.Errorf("channel %d no longer exists", fresh.ID)
		}
		return current, nil
	}

	m.log.Info("refreshed channel token",
		zap.Int64("channel_id", fresh.ID),
		zap.Time("expiry", tok.Expiry))

	fresh.AccessToken = tok.AccessToken
	fresh.RefreshToken = refreshToken
	fresh.TokenExpiry = tok.Expiry
	return fresh, nil
}
