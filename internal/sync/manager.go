// Package sync polls provider mailboxes on a per-channel schedule and
// feeds every new inbound email through the ticket matcher.
package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"go.uber.org/zap"

	"github.com/relaydesk/mailcore/internal/match"
	"github.com/relaydesk/mailcore/internal/model"
	"github.com/relaydesk/mailcore/internal/natsjs"
	"github.com/relaydesk/mailcore/internal/provider"
	"github.com/relaydesk/mailcore/internal/store"
	"github.com/relaydesk/mailcore/internal/tokens"
)

// EventPublisher is the slice of the event layer the sync pipeline needs.
type EventPublisher interface {
	Publish(ev *natsjs.Event, dedupID string) error
}

// Manager owns one background runner per active channel.
type Manager struct {
	store     *store.Store
	factory   provider.Factory
	tokens    *tokens.Manager
	matcher   *match.Matcher
	publisher EventPublisher
	log       *zap.Logger

	mu      gosync.Mutex
	runners map[int64]context.CancelFunc
}

func NewManager(st *store.Store, factory provider.Factory, tm *tokens.Manager, matcher *match.Matcher, publisher EventPublisher, log *zap.Logger) *Manager {
	return &Manager{
		store:     st,
		factory:   factory,
		tokens:    tm,
		matcher:   matcher,
		publisher: publisher,
		log:       log,
		runners:   make(map[int64]context.CancelFunc),
	}
}

// StartAll starts a runner for every configured channel.
func (m *Manager) StartAll(ctx context.Context) error {
	channels, err := m.store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}
	for _, ch := range channels {
		if err := m.StartChannel(ctx, ch); err != nil {
			m.log.Warn("failed to start channel sync",
				zap.Int64("channel_id", ch.ID), zap.Error(err))
		}
	}
	return nil
}

// StartChannel starts the background runner for one channel.
func (m *Manager) StartChannel(ctx context.Context, ch *model.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runners[ch.ID]; exists {
		return fmt.Errorf("sync already running for channel %d", ch.ID)
	}

	adapter, err := m.factory(ch.Provider)
	if err != nil {
		return err
	}

	runner := &Runner{
		store:     m.store,
		adapter:   adapter,
		tokens:    m.tokens,
		matcher:   m.matcher,
		publisher: m.publisher,
		log:       m.log.With(zap.Int64("channel_id", ch.ID), zap.String("provider", string(ch.Provider))),
	}

	runnerCtx, cancel := context.WithCancel(ctx)
	m.runners[ch.ID] = cancel

	go func() {
		m.log.Info("sync start", zap.Int64("channel_id", ch.ID))
		runner.Run(runnerCtx, ch.ID)

		m.mu.Lock()
		delete(m.runners, ch.ID)
		m.mu.Unlock()
		m.log.Info("sync stop", zap.Int64("channel_id", ch.ID))
	}()

	return nil
}

// StopChannel cancels the runner for one channel.
func (m *Manager) StopChannel(channelID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cancel, exists := m.runners[channelID]
	if !exists {
		return fmt.Errorf("no sync running for channel %d", channelID)
	}
	cancel()
	delete(m.runners, channelID)
	return nil
}

// IsRunning reports whether a channel has an active runner.
func (m *Manager) IsRunning(channelID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.runners[channelID]
	return exists
}

// StopAll cancels every runner.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.runners {
		cancel()
		delete(m.runners, id)
	}
}

// SyncNow runs one synchronous pass for a channel, outside its schedule.
func (m *Manager) SyncNow(ctx context.Context, channelID int64) (int, error) {
	ch, err := m.store.ChannelByID(ctx, channelID)
	if err != nil {
		return 0, err
	}
	if ch == nil {
		return 0, fmt.Errorf("channel %d not found", channelID)
	}

	adapter, err := m.factory(ch.Provider)
	if err != nil {
		return 0, err
	}

	runner := &Runner{
		store:     m.store,
		adapter:   adapter,
		tokens:    m.tokens,
		matcher:   m.matcher,
		publisher: m.publisher,
		log:       m.log.With(zap.Int64("channel_id", ch.ID)),
	}
	return runner.syncOnce(ctx, ch.ID)
}
