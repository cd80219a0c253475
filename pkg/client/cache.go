package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aeolun/syntaxy/pkg/protocol"
	"github.com/rs/zerolog"
)

const (
	// DefaultSaveWindow is the quiet period before the snapshot is written.
	DefaultSaveWindow = 1000 * time.Millisecond
	// DefaultSettingsWindow is the quiet period before settings are pushed
	// to the server.
	DefaultSettingsWindow = 1500 * time.Millisecond
)

// SettingsSyncer pushes settings to the server. *APIClient implements it.
type SettingsSyncer interface {
	SaveSettings(ctx context.Context, settings protocol.Settings) error
}

// CacheOptions tunes a Cache. Zero values select the defaults.
type CacheOptions struct {
	SaveWindow     time.Duration
	SettingsWindow time.Duration
	WriteTimeout   time.Duration
	Clock          Clock
}

// Cache persists the engine between runs. Saves are debounced: bursts of
// ScheduleSave calls produce one compressed snapshot write.
type Cache struct {
	state      *Store
	engine     *Engine
	compressor *Compressor
	syncer     SettingsSyncer
	logger     zerolog.Logger
	timeout    time.Duration

	save     *Debouncer
	settings *Debouncer

	saveMu sync.Mutex // serializes snapshot writes
	syncMu sync.Mutex // serializes settings pushes

	mu              sync.Mutex
	pendingSettings protocol.Settings
	saveErr         error
	syncErr         error
}

// NewCache wires a cache around an open state store. syncer may be nil, in
// which case settings are only stored locally.
func NewCache(state *Store, engine *Engine, compressor *Compressor, syncer SettingsSyncer, opts CacheOptions, logger zerolog.Logger) *Cache {
	if opts.SaveWindow <= 0 {
		opts.SaveWindow = DefaultSaveWindow
	}
	if opts.SettingsWindow <= 0 {
		opts.SettingsWindow = DefaultSettingsWindow
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	c := &Cache{
		state:      state,
		engine:     engine,
		compressor: compressor,
		syncer:     syncer,
		logger:     logger,
		timeout:    opts.WriteTimeout,
	}
	c.save = NewDebouncer(opts.SaveWindow, opts.Clock, func() { c.record(&c.saveErr, c.SaveNow(context.Background())) })
	c.settings = NewDebouncer(opts.SettingsWindow, opts.Clock, func() { c.record(&c.syncErr, c.SyncSettingsNow(context.Background())) })
	return c
}

func (c *Cache) record(dst *error, err error) {
	c.mu.Lock()
	*dst = err
	c.mu.Unlock()
}

// LastError returns the results of the most recent debounced snapshot save
// and settings sync, joined. A later success of one kind does not hide a
// failure of the other.
func (c *Cache) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Join(c.saveErr, c.syncErr)
}

// ScheduleSave requests a snapshot write after the save window.
func (c *Cache) ScheduleSave() {
	c.save.Trigger()
}

// ScheduleSettingsSync queues settings for the server. Fields set in s
// replace queued ones; nil fields keep what is already queued.
func (c *Cache) ScheduleSettingsSync(s protocol.Settings) {
	c.mu.Lock()
	if s.Gallery != nil {
		c.pendingSettings.Gallery = s.Gallery
	}
	if s.PersonalUI != nil {
		c.pendingSettings.PersonalUI = s.PersonalUI
	}
	c.mu.Unlock()
	c.settings.Trigger()
}

// LoadSnapshot restores the last saved snapshot into the engine. It reports
// false when there was nothing to restore.
func (c *Cache) LoadSnapshot() (bool, error) {
	snap, savedAt, err := c.state.LoadSnapshot()
	if errors.Is(err, ErrNoSnapshot) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.engine.Restore(snap)
	c.logger.Debug().
		Time("saved_at", savedAt).
		Int("conversations", len(snap.Conversations)).
		Msg("restored snapshot")
	return true, nil
}

// SaveNow compresses and writes the current snapshot immediately.
func (c *Cache) SaveNow(ctx context.Context) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	snap := c.engine.Snapshot()
	if c.compressor != nil {
		if err := c.compressor.CompressSnapshot(ctx, &snap); err != nil {
			c.logger.Error().Err(err).Msg("snapshot compression failed")
			return err
		}
	}
	if err := c.state.SaveSnapshot(snap); err != nil {
		c.logger.Error().Err(err).Msg("snapshot save failed")
		return err
	}
	return nil
}

// SyncSettingsNow stores queued settings locally and pushes them to the
// server. On a failed push the settings stay queued for the next sync.
func (c *Cache) SyncSettingsNow(ctx context.Context) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.mu.Lock()
	s := c.pendingSettings
	c.pendingSettings = protocol.Settings{}
	c.mu.Unlock()
	if s.Gallery == nil && s.PersonalUI == nil {
		return nil
	}

	if err := c.state.SaveSettings(s.Gallery, s.PersonalUI); err != nil {
		c.logger.Error().Err(err).Msg("failed to store settings locally")
	}
	if c.syncer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.syncer.SaveSettings(ctx, s); err != nil {
		c.mu.Lock()
		if c.pendingSettings.Gallery == nil {
			c.pendingSettings.Gallery = s.Gallery
		}
		if c.pendingSettings.PersonalUI == nil {
			c.pendingSettings.PersonalUI = s.PersonalUI
		}
		c.mu.Unlock()
		c.logger.Warn().Err(err).Msg("settings sync failed")
		return err
	}
	return nil
}

// Flush runs any pending save or sync now and waits for in-flight writes.
func (c *Cache) Flush() error {
	c.save.Flush()
	c.settings.Flush()

	// Barrier for a debounced write that started before Flush.
	c.saveMu.Lock()
	c.saveMu.Unlock()
	c.syncMu.Lock()
	c.syncMu.Unlock()
	return c.LastError()
}

// Close flushes pending writes and stops the timers.
func (c *Cache) Close() error {
	err := c.Flush()
	c.save.Stop()
	c.settings.Stop()
	return err
}
