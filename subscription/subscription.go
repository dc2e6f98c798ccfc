/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package subscription keeps the telephony push-notification subscription
// alive. It restores a cached descriptor, registers, persists the
// descriptor on every successful subscribe or renew, recovers from
// failures and forwards every notification to a Sink.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tejzpr/ringcentral-call-go/emitter"
)

const (
	// DefaultCacheKey is the cache key the descriptor is stored under
	DefaultCacheKey = "rc-call-subscription-key"

	// TelephonySessionsFilter selects telephony session events of the
	// current extension
	TelephonySessionsFilter = "/restapi/v1.0/account/~/extension/~/telephony/sessions"
)

// Events emitted by a Transport.
//
// Success events carry the *Descriptor, error events carry an error and
// "notification" carries the json.RawMessage body.
const (
	TransportEventSubscribeSuccess    = "subscribeSuccess"
	TransportEventSubscribeError      = "subscribeError"
	TransportEventRenewSuccess        = "renewSuccess"
	TransportEventRenewError          = "renewError"
	TransportEventAutomaticRenewError = "automaticRenewError"
	TransportEventNotification        = "notification"
)

// Events emitted by the Manager. "error" carries the transport error.
const (
	EventReady = "ready"
	EventError = "error"
)

// Transport is the push-notification channel. Register subscribes with the
// current descriptor or filters, and every failed attempt is reported
// through an error event as well as the return value.
type Transport interface {
	emitter.Source
	SetEventFilters(filters []string)
	SetDescriptor(d *Descriptor) error
	Descriptor() *Descriptor
	Register(ctx context.Context) error
	Reset(ctx context.Context) error
	Resubscribe(ctx context.Context) error
}

// Authenticator reports whether the API session is still logged in.
type Authenticator interface {
	LoggedIn(ctx context.Context) (bool, error)
}

// Sink receives every notification payload verbatim.
type Sink interface {
	OnNotificationEvent(payload json.RawMessage)
}

// ErrNoTransport is returned by Start when the Manager has no transport
var ErrNoTransport = errors.New("subscription transport is not configured")

// State of the subscription lifecycle
type State int

const (
	StateUninitialized State = iota
	StateRegistering
	StateReady
	StateRenewFailed
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRegistering:
		return "registering"
	case StateReady:
		return "ready"
	case StateRenewFailed:
		return "renewFailed"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Config holds configuration for the Manager
type Config struct {
	// Logger receives structured logs (default: logrus.StandardLogger())
	Logger logrus.FieldLogger

	// CacheKey is the key the descriptor is stored under
	CacheKey string

	// EventFilters registered when no cached descriptor can be restored
	EventFilters []string

	// RecoveryTimeout bounds each recovery attempt (reset + register)
	RecoveryTimeout time.Duration

	// RecoveryInterval is the minimum time between two recovery attempts
	RecoveryInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Logger:           logrus.StandardLogger(),
		CacheKey:         DefaultCacheKey,
		EventFilters:     []string{TelephonySessionsFilter},
		RecoveryTimeout:  30 * time.Second,
		RecoveryInterval: 5 * time.Second,
	}
}

func (c *Config) withDefaults() *Config {
	out := DefaultConfig()
	if c == nil {
		return out
	}
	if c.Logger != nil {
		out.Logger = c.Logger
	}
	if c.CacheKey != "" {
		out.CacheKey = c.CacheKey
	}
	if len(c.EventFilters) > 0 {
		out.EventFilters = append([]string(nil), c.EventFilters...)
	}
	if c.RecoveryTimeout > 0 {
		out.RecoveryTimeout = c.RecoveryTimeout
	}
	if c.RecoveryInterval > 0 {
		out.RecoveryInterval = c.RecoveryInterval
	}
	return out
}

// Manager drives one Transport through its lifecycle. It emits "ready"
// after every successful subscribe or renew and "error" after every
// failure.
type Manager struct {
	*emitter.Emitter

	mu        sync.Mutex
	config    *Config
	log       logrus.FieldLogger
	transport Transport
	cache     Cache
	auth      Authenticator
	sink      Sink

	sub     *emitter.Subscription
	state   State
	started bool

	// lifetime of background recovery, cancelled by Stop
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// listeners currently running; Stop from inside one cannot join
	dispatching atomic.Int32

	// start of the latest scheduled recovery
	nextRecovery time.Time

	now func() time.Time
}

// NewManager creates a Manager. cache and auth may be nil: without a cache
// nothing is restored or persisted, without an Authenticator the session is
// assumed to be logged in.
func NewManager(config *Config, transport Transport, cache Cache, auth Authenticator, sink Sink) *Manager {
	config = config.withDefaults()
	return &Manager{
		Emitter:   emitter.New(),
		config:    config,
		log:       config.Logger,
		transport: transport,
		cache:     cache,
		auth:      auth,
		sink:      sink,
		now:       time.Now,
	}
}

// Start restores the cached descriptor, falling back to the configured
// event filters when nothing usable is cached, and registers. Register
// failures are reported through the "error" event and recovered from, so
// only a missing transport is returned as an error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.transport == nil {
		m.mu.Unlock()
		return ErrNoTransport
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.state = StateRegistering
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.sub = &emitter.Subscription{}
	sub := m.sub
	m.mu.Unlock()

	t := m.transport
	sub.Add(t, TransportEventSubscribeSuccess, m.onSuccess)
	sub.Add(t, TransportEventRenewSuccess, m.onSuccess)
	sub.Add(t, TransportEventSubscribeError, func(data interface{}) {
		m.onFailure(StateError, data)
	})
	sub.Add(t, TransportEventRenewError, func(data interface{}) {
		m.onFailure(StateRenewFailed, data)
	})
	sub.Add(t, TransportEventAutomaticRenewError, m.onAutomaticRenewError)
	sub.Add(t, TransportEventNotification, m.onNotification)

	if err := m.restore(ctx); err != nil {
		m.log.WithError(err).Debug("No cached subscription, registering event filters")
		t.SetEventFilters(m.config.EventFilters)
	}
	if err := t.Register(ctx); err != nil {
		m.log.WithError(err).Warn("Subscription register failed")
	}
	return nil
}

func (m *Manager) restore(ctx context.Context) error {
	if m.cache == nil {
		return ErrCacheMiss
	}
	data, err := m.cache.Get(ctx, m.config.CacheKey)
	if err != nil {
		return err
	}
	d, err := DecodeDescriptor(data, m.now())
	if err != nil {
		return err
	}
	if err := m.transport.SetDescriptor(d); err != nil {
		return err
	}
	m.log.WithField("subscriptionId", d.ID).Debug("Restored cached subscription")
	return nil
}

func (m *Manager) onSuccess(data interface{}) {
	d, _ := data.(*Descriptor)
	if d == nil {
		d = m.transport.Descriptor()
	}

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.state = StateReady
	ctx := m.ctx
	m.mu.Unlock()

	if d != nil && m.cache != nil {
		if err := m.persist(ctx, d); err != nil {
			m.log.WithError(err).Warn("Failed to cache subscription")
		}
	}
	m.log.WithField("state", StateReady).Info("Subscription ready")
	m.emit(EventReady, d)
}

func (m *Manager) emit(event string, data interface{}) {
	m.dispatching.Add(1)
	defer m.dispatching.Add(-1)
	m.Emit(event, data)
}

func (m *Manager) persist(ctx context.Context, d *Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return m.cache.Set(ctx, m.config.CacheKey, data)
}

func (m *Manager) onFailure(state State, data interface{}) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.state = state
	ctx := m.ctx
	m.wg.Add(1)
	m.mu.Unlock()

	// the transport may be emitting from the goroutine Register waits on
	go func() {
		defer m.wg.Done()
		m.recover(ctx)
	}()

	err, _ := data.(error)
	m.log.WithFields(logrus.Fields{"state": state}).WithError(err).Warn("Subscription failed")
	m.emit(EventError, data)
}

// recover resets the transport and registers the same filters again, as
// long as the API session is still logged in.
func (m *Manager) recover(ctx context.Context) {
	if !m.waitRecoverySlot(ctx) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.config.RecoveryTimeout)
	defer cancel()

	if m.auth != nil {
		loggedIn, err := m.auth.LoggedIn(ctx)
		if err != nil || !loggedIn {
			m.log.WithError(err).Info("Not logged in, subscription left down")
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	filters := m.config.EventFilters
	if d := m.transport.Descriptor(); d != nil && len(d.EventFilters) > 0 {
		filters = d.EventFilters
	}

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.state = StateRegistering
	m.mu.Unlock()

	if err := m.transport.Reset(ctx); err != nil {
		m.log.WithError(err).Warn("Subscription reset failed")
	}
	m.transport.SetEventFilters(filters)
	if err := m.transport.Register(ctx); err != nil {
		m.log.WithError(err).Warn("Subscription re-register failed")
	}
}

// waitRecoverySlot spaces recoveries RecoveryInterval apart so a transport
// that keeps rejecting the subscription is not hammered. It returns false
// when ctx ends first.
func (m *Manager) waitRecoverySlot(ctx context.Context) bool {
	m.mu.Lock()
	now := m.now()
	slot := now
	if !m.nextRecovery.IsZero() {
		if next := m.nextRecovery.Add(m.config.RecoveryInterval); next.After(now) {
			slot = next
		}
	}
	m.nextRecovery = slot
	m.mu.Unlock()

	wait := slot.Sub(now)
	if wait <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) onAutomaticRenewError(data interface{}) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.wg.Add(1)
	m.mu.Unlock()

	err, _ := data.(error)
	m.log.WithError(err).Warn("Automatic renew failed, resubscribing")
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, m.config.RecoveryTimeout)
		defer cancel()
		if err := m.transport.Resubscribe(ctx); err != nil {
			m.log.WithError(err).Warn("Resubscribe failed")
		}
	}()
}

func (m *Manager) onNotification(data interface{}) {
	if m.sink == nil {
		return
	}
	switch payload := data.(type) {
	case json.RawMessage:
		m.sink.OnNotificationEvent(payload)
	case []byte:
		m.sink.OnNotificationEvent(json.RawMessage(payload))
	default:
		m.log.Debugf("Ignoring notification of type %T", data)
	}
}

// Stop releases the transport listeners and cancels running recoveries.
// The cached descriptor is kept so the next Start can reuse it. Called
// from a ready or error listener, Stop does not wait for recoveries to
// return; they observe the cancelled context on their own.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.state = StateUninitialized
	sub, cancel := m.sub, m.cancel
	m.sub, m.cancel = nil, nil
	m.mu.Unlock()

	sub.Release()
	cancel()
	if m.dispatching.Load() == 0 {
		m.wg.Wait()
	}
}

// Clear removes the cached descriptor
func (m *Manager) Clear(ctx context.Context) error {
	if m.cache == nil {
		return nil
	}
	return m.cache.Delete(ctx, m.config.CacheKey)
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready reports whether the subscription is active
func (m *Manager) Ready() bool {
	return m.State() == StateReady
}
