/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"
	"github.com/tejzpr/ringcentral-call-go/emitter"
	"github.com/tejzpr/ringcentral-call-go/sipheaders"
)

// pickupCallType tags invites that take over a ringing inbound call
const pickupCallType = "inbound-pickup"

// Client owns the registry of active Sessions. It listens to the webphone
// and call control, correlates their events into Sessions and exposes call
// placement, switch and pickup.
type Client struct {
	mu sync.Mutex

	config *Config
	log    logrus.FieldLogger

	// Transports
	webphone     Webphone
	callControl  CallControl
	subscription Notifier

	// Listeners registered on the transports
	webphoneSub     *emitter.Subscription
	callControlSub  *emitter.Subscription
	subscriptionSub *emitter.Subscription

	// Registry, in creation order
	sessions    []*Session
	sessionSubs map[*Session]*emitter.Subscription

	disposed bool

	// selfInvites counts invites this client is sending. Invites sent
	// meanwhile are held and correlated once the last one returns.
	selfInvites int
	ownInvites  map[SignalingSession]struct{}
	heldInvites []SignalingSession

	// loading is non-zero during a bulk load of existing telephony sessions
	loading atomic.Int32

	// Events
	Emitter *emitter.Emitter
}

// NewClient creates a Client bound to the given transports
func NewClient(config *Config, transports Transports) *Client {
	config = config.withDefaults()

	c := &Client{
		config:      config,
		log:         config.Logger,
		sessionSubs: make(map[*Session]*emitter.Subscription),
		Emitter:     emitter.New(),
	}

	c.SetWebphone(transports.Webphone)
	c.bindCallControl(transports.CallControl)
	c.bindSubscription(transports.Subscription)

	return c
}

// ---- Transport wiring ----

// SetWebphone replaces the webphone transport. Listeners on the previous
// webphone are removed. A nil webphone detaches the current one.
func (c *Client) SetWebphone(w Webphone) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	old := c.webphoneSub
	sub := &emitter.Subscription{}
	c.webphone = w
	c.webphoneSub = sub
	c.mu.Unlock()

	if old != nil {
		old.Release()
	}
	if w == nil {
		return
	}

	sub.Add(w, WebphoneEventInvite, func(data interface{}) {
		if ss, ok := data.(SignalingSession); ok {
			c.onInvite(ss, false)
		}
	})
	sub.Add(w, WebphoneEventInviteSent, func(data interface{}) {
		ss, ok := data.(SignalingSession)
		if !ok {
			return
		}
		c.mu.Lock()
		if c.selfInvites > 0 {
			c.heldInvites = append(c.heldInvites, ss)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.onInvite(ss, true)
	})
	sub.Add(w, WebphoneEventRegistered, func(interface{}) {
		c.log.Info("Webphone registered")
		c.Emitter.Emit(string(ClientEventWebphoneRegistered), nil)
	})
	sub.Add(w, WebphoneEventUnregistered, func(interface{}) {
		c.log.Info("Webphone unregistered")
		c.Emitter.Emit(string(ClientEventWebphoneUnregistered), nil)
	})
	sub.Add(w, WebphoneEventRegistrationFailed, func(data interface{}) {
		if f, ok := data.(RegistrationFailure); ok {
			c.log.WithField("cause", f.Cause).Warn("Webphone registration failed")
		}
		c.Emitter.Emit(string(ClientEventWebphoneRegistrationFailed), data)
	})
}

func (c *Client) bindCallControl(ctl CallControl) {
	if ctl == nil {
		return
	}
	sub := &emitter.Subscription{}
	c.mu.Lock()
	c.callControl = ctl
	c.callControlSub = sub
	c.mu.Unlock()

	sub.Add(ctl, CallControlEventNew, func(data interface{}) {
		if ts, ok := data.(TelephonySession); ok {
			c.onTelephonySession(ts, true)
		}
	})
	sub.Add(ctl, CallControlEventInitialized, func(interface{}) {
		c.loadExisting(ctl)
		c.log.Info("Call control ready")
		c.Emitter.Emit(string(ClientEventCallControlReady), nil)
	})

	if ctl.Ready() {
		c.loadExisting(ctl)
	}
}

func (c *Client) bindSubscription(n Notifier) {
	if n == nil {
		return
	}
	sub := &emitter.Subscription{}
	c.mu.Lock()
	c.subscription = n
	c.subscriptionSub = sub
	c.mu.Unlock()

	sub.Add(n, NotifierEventReady, func(interface{}) {
		c.Emitter.Emit(string(ClientEventCallControlNotificationReady), nil)
	})
	sub.Add(n, NotifierEventError, func(data interface{}) {
		c.Emitter.Emit(string(ClientEventCallControlNotificationError), data)
	})
}

// loadExisting registers every session call control already knows about
// without announcing them as new calls.
func (c *Client) loadExisting(ctl CallControl) {
	c.loading.Add(1)
	defer c.loading.Add(-1)
	for _, ts := range ctl.Sessions() {
		c.onTelephonySession(ts, false)
	}
}

// ---- Correlation ----

// correlation is how an event handle was matched to a Session
type correlation int

const (
	// the handle is already attached
	correlationKnown correlation = iota
	correlationJoined
	correlationCreated
)

func (c *Client) onInvite(ss SignalingSession, outbound bool) {
	s, notify, result := c.correlateSignaling(ss, outbound)
	if s == nil || result == correlationKnown {
		return
	}
	notify()
	if result == correlationCreated {
		c.Emitter.Emit(string(ClientEventNew), s)
	}
	if outbound {
		c.Emitter.Emit(string(ClientEventWebphoneInviteSent), s)
	} else {
		c.Emitter.Emit(string(ClientEventWebphoneInvite), s)
	}
}

// correlateSignaling finds the Session ss belongs to, or creates one. The
// lookup and the insert happen under one lock so a concurrent event for the
// same call always sees the result.
func (c *Client) correlateSignaling(ss SignalingSession, outbound bool) (*Session, func(), correlation) {
	telephonySessionID := ""
	if partyData, _ := sipheaders.ExtractHeadersData(ss.Request()); partyData != nil {
		telephonySessionID = partyData.SessionID
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, func() {}, correlationKnown
	}
	if s := c.findBySignalingLocked(ss); s != nil {
		c.mu.Unlock()
		return s, func() {}, correlationKnown
	}

	var target *Session
	switch {
	case telephonySessionID != "":
		target = c.findByIDLocked(telephonySessionID)
	case outbound:
		target = c.findUnboundLocked()
		if target == nil {
			target = c.matchOutboundInviteLocked(ss)
		}
	}

	log := c.log.WithFields(logrus.Fields{"event": "invite", "telephonySessionId": telephonySessionID, "outbound": outbound})
	if target != nil {
		notify := target.attachSignaling(ss)
		c.mu.Unlock()
		log.WithField("localId", target.GetLocalID()).Debug("Webphone session joined existing call")
		return target, notify, correlationJoined
	}

	s := c.addSessionLocked()
	notify := s.attachSignaling(ss)
	c.mu.Unlock()
	log.WithField("localId", s.GetLocalID()).Debug("New call from webphone session")
	return s, notify, correlationCreated
}

// onTelephonySession correlates ts and announces a newly created Session
// unless announce is false or a bulk load is running.
func (c *Client) onTelephonySession(ts TelephonySession, announce bool) *Session {
	s, notify, created := c.correlateTelephony(ts)
	if s == nil {
		return nil
	}
	notify()
	if created && announce && c.loading.Load() == 0 {
		c.Emitter.Emit(string(ClientEventNew), s)
	}
	return s
}

func (c *Client) correlateTelephony(ts TelephonySession) (*Session, func(), bool) {
	id := ts.ID()

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, func() {}, false
	}
	if s := c.findByTelephonyLocked(ts); s != nil {
		c.mu.Unlock()
		return s, func() {}, false
	}

	target := c.findByIDLocked(id)
	if target == nil {
		target = c.matchOutboundTelephonyLocked(ts)
	}

	log := c.log.WithFields(logrus.Fields{"event": "new", "telephonySessionId": id})
	if target != nil {
		notify := target.attachTelephony(ts)
		c.mu.Unlock()
		log.WithField("localId", target.GetLocalID()).Debug("Telephony session joined existing call")
		return target, notify, false
	}

	s := c.addSessionLocked()
	notify := s.attachTelephony(ts)
	c.mu.Unlock()
	log.WithField("localId", s.GetLocalID()).Debug("New call from telephony session")
	return s, notify, true
}

func (c *Client) findByIDLocked(id string) *Session {
	if id == "" {
		return nil
	}
	for _, s := range c.sessions {
		if s.GetTelephonySessionID() == id {
			return s
		}
	}
	return nil
}

func (c *Client) findBySignalingLocked(ss SignalingSession) *Session {
	for _, s := range c.sessions {
		if s.GetSignalingSession() == ss {
			return s
		}
	}
	return nil
}

func (c *Client) findByTelephonyLocked(ts TelephonySession) *Session {
	for _, s := range c.sessions {
		if s.GetTelephonySession() == ts {
			return s
		}
	}
	return nil
}

// findUnboundLocked returns the first session backed by no transport.
func (c *Client) findUnboundLocked() *Session {
	for _, s := range c.sessions {
		if !s.hasHandles() && !s.isEnded() {
			return s
		}
	}
	return nil
}

// matchOutboundInviteLocked is the best-effort match for an outbound invite
// without identity headers: the first outbound session that has neither a
// webphone session nor a telephony session id yet and dials the same number. Numbers are compared verbatim, so
// differing formats or two calls racing to one number can mismatch.
func (c *Client) matchOutboundInviteLocked(ss SignalingSession) *Session {
	req := ss.Request()
	if req == nil || req.To() == nil {
		return nil
	}
	to := req.To().Address.User
	if to == "" {
		return nil
	}
	for _, s := range c.sessions {
		if s.GetSignalingSession() == nil && s.GetTelephonySessionID() == "" &&
			s.GetDirection() == CallDirectionOutbound && s.GetTo().PhoneNumber == to {
			return s
		}
	}
	return nil
}

// matchOutboundTelephonyLocked is the best-effort match for a telephony
// session that arrives after an outbound webphone call was placed: the
// first outbound session with no telephony session id dialing the same
// number. Numbers are compared verbatim.
func (c *Client) matchOutboundTelephonyLocked(ts TelephonySession) *Session {
	party := ts.Party()
	if party == nil || party.To.PhoneNumber == "" {
		return nil
	}
	for _, s := range c.sessions {
		if s.GetTelephonySessionID() == "" && s.GetDirection() == CallDirectionOutbound && s.GetTo().PhoneNumber == party.To.PhoneNumber {
			return s
		}
	}
	return nil
}

func (c *Client) addSessionLocked() *Session {
	s := newSession(c.config)
	sub := &emitter.Subscription{}
	sub.Add(s.Emitter, string(SessionEventDisconnected), func(interface{}) {
		c.removeSession(s)
	})
	c.sessions = append(c.sessions, s)
	c.sessionSubs[s] = sub
	return s
}

func (c *Client) removeSession(s *Session) {
	c.mu.Lock()
	for i, existing := range c.sessions {
		if existing == s {
			c.sessions = append(c.sessions[:i:i], c.sessions[i+1:]...)
			break
		}
	}
	sub := c.sessionSubs[s]
	delete(c.sessionSubs, s)
	c.mu.Unlock()

	if sub != nil {
		sub.Release()
	}
	s.dispose()
	c.log.WithFields(logrus.Fields{"localId": s.GetLocalID(), "telephonySessionId": s.GetTelephonySessionID()}).Debug("Call removed")
}

// ---- Call placement ----

// MakeCall places an outbound call through the webphone or call control.
// A webphone call requires a registered webphone.
func (c *Client) MakeCall(ctx context.Context, params MakeCallParams) (*Session, error) {
	const op = "MakeCall"

	c.mu.Lock()
	w, ctl, disposed := c.webphone, c.callControl, c.disposed
	c.mu.Unlock()
	if disposed {
		return nil, precondition(op, ErrDisposed)
	}

	switch params.Type {
	case CallTypeWebphone:
		if w == nil {
			return nil, precondition(op, ErrWebphoneNotConfigured)
		}
		if !w.IsRegistered() {
			return nil, precondition(op, ErrWebphoneNotRegistered)
		}
		ss, held, err := c.selfInvite(func() (SignalingSession, error) {
			return w.Invite(ctx, params.ToNumber, InviteOptions{
				FromNumber:    params.FromNumber,
				HomeCountryID: params.HomeCountryID,
			})
		})
		defer c.correlateHeld(held)
		if err != nil {
			return nil, &TransportError{Op: op, Transport: transportWebphone, Err: err}
		}
		s, notify, result := c.correlateSignaling(ss, true)
		if s == nil {
			return nil, precondition(op, ErrDisposed)
		}
		notify()
		if result == correlationCreated {
			c.Emitter.Emit(string(ClientEventNew), s)
		}
		return s, nil

	case CallTypeCallControl:
		if ctl == nil {
			return nil, precondition(op, ErrCallControlNotConfigured)
		}
		deviceID := params.DeviceID
		if deviceID == "" {
			deviceID = c.config.DeviceID
		}
		ts, err := ctl.CreateCall(ctx, deviceID, NewDestination(params.ToNumber))
		if err != nil {
			return nil, &TransportError{Op: op, Transport: transportCallControl, Err: err}
		}
		s := c.onTelephonySession(ts, true)
		if s == nil {
			return nil, precondition(op, ErrDisposed)
		}
		return s, nil
	}

	return nil, precondition(op, ErrInvalidCallType)
}

// SwitchCall moves a call running on another device onto the webphone and
// returns the existing Session with the new webphone session attached.
func (c *Client) SwitchCall(ctx context.Context, telephonySessionID string) (*Session, error) {
	const op = "SwitchCall"

	w, s, err := c.takeoverTarget(op, telephonySessionID)
	if err != nil {
		return nil, err
	}

	active := ActiveCall{
		TelephonySessionID: telephonySessionID,
		SessionID:          s.GetSessionID(),
		Direction:          s.GetDirection(),
		From:               s.GetFrom().PhoneNumber,
		To:                 s.GetTo().PhoneNumber,
	}
	if party := s.GetParty(); party != nil {
		active.PartyID = party.ID
	}

	ss, held, err := c.selfInvite(func() (SignalingSession, error) {
		return w.SwitchFrom(ctx, active, InviteOptions{})
	})
	defer c.correlateHeld(held)
	if err != nil {
		return nil, &TransportError{Op: op, Transport: transportWebphone, Err: err}
	}
	c.attach(s, ss)
	return s, nil
}

// PickupInboundCall answers a call ringing on another device from the
// webphone and returns the existing Session with the new webphone session
// attached.
func (c *Client) PickupInboundCall(ctx context.Context, telephonySessionID string, opts InviteOptions) (*Session, error) {
	const op = "PickupInboundCall"

	w, s, err := c.takeoverTarget(op, telephonySessionID)
	if err != nil {
		return nil, err
	}

	partyID := ""
	if party := s.GetParty(); party != nil {
		partyID = party.ID
	}
	ids := sipheaders.FormatAPIIDs(sipheaders.PartyData{PartyID: partyID, SessionID: telephonySessionID})
	opts.ExtraHeaders = append(append([]sip.Header(nil), opts.ExtraHeaders...),
		sip.NewHeader(sipheaders.CallTypeHeader, pickupCallType+";"+ids))

	ss, held, err := c.selfInvite(func() (SignalingSession, error) {
		return w.Invite(ctx, s.GetTo().PhoneNumber, opts)
	})
	defer c.correlateHeld(held)
	if err != nil {
		return nil, &TransportError{Op: op, Transport: transportWebphone, Err: err}
	}
	c.attach(s, ss)
	return s, nil
}

// takeoverTarget checks, in order: webphone configured, webphone
// registered, session found, session has no webphone session.
func (c *Client) takeoverTarget(op, telephonySessionID string) (Webphone, *Session, error) {
	c.mu.Lock()
	w, disposed := c.webphone, c.disposed
	s := c.findByIDLocked(telephonySessionID)
	c.mu.Unlock()

	fail := func(err error) (Webphone, *Session, error) {
		return nil, nil, &PreconditionError{Op: op, TelephonySessionID: telephonySessionID, Err: err}
	}
	switch {
	case disposed:
		return fail(ErrDisposed)
	case w == nil:
		return fail(ErrWebphoneNotConfigured)
	case !w.IsRegistered():
		return fail(ErrWebphoneNotRegistered)
	case s == nil:
		return fail(ErrSessionNotFound)
	case s.GetSignalingSession() != nil:
		return fail(ErrSessionHasWebphone)
	}
	return w, s, nil
}

func (c *Client) attach(s *Session, ss SignalingSession) {
	c.mu.Lock()
	notify := s.attachSignaling(ss)
	c.mu.Unlock()
	notify()
}

// selfInvite runs invite with invite-sent events held back. It returns the
// held handles of other calls once no invite of this client is in flight;
// the caller correlates them after attaching its own handle.
func (c *Client) selfInvite(invite func() (SignalingSession, error)) (SignalingSession, []SignalingSession, error) {
	c.mu.Lock()
	c.selfInvites++
	c.mu.Unlock()

	ss, err := invite()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.selfInvites--
	if ss != nil {
		if c.ownInvites == nil {
			c.ownInvites = make(map[SignalingSession]struct{})
		}
		c.ownInvites[ss] = struct{}{}
	}
	if c.selfInvites > 0 {
		return ss, nil, err
	}
	var held []SignalingSession
	for _, h := range c.heldInvites {
		if _, own := c.ownInvites[h]; !own {
			held = append(held, h)
		}
	}
	c.heldInvites, c.ownInvites = nil, nil
	return ss, held, err
}

func (c *Client) correlateHeld(held []SignalingSession) {
	for _, ss := range held {
		c.onInvite(ss, true)
	}
}

// LoadSessions hands raw telephony session payloads to call control and
// registers the resulting sessions without announcing them as new calls.
func (c *Client) LoadSessions(ctx context.Context, raw []json.RawMessage) ([]*Session, error) {
	const op = "LoadSessions"

	c.mu.Lock()
	ctl := c.callControl
	c.mu.Unlock()
	if ctl == nil {
		return nil, precondition(op, ErrCallControlNotConfigured)
	}

	c.loading.Add(1)
	defer c.loading.Add(-1)

	loaded, err := ctl.LoadSessions(ctx, raw)
	if err != nil {
		return nil, &TransportError{Op: op, Transport: transportCallControl, Err: err}
	}
	sessions := make([]*Session, 0, len(loaded))
	for _, ts := range loaded {
		if s := c.onTelephonySession(ts, false); s != nil {
			sessions = append(sessions, s)
		}
	}
	return sessions, nil
}

// ---- Accessors ----

// Sessions returns a snapshot of the registry in creation order
func (c *Client) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, len(c.sessions))
	copy(out, c.sessions)
	return out
}

// Session returns the session with the given telephony session id, or nil
func (c *Client) Session(telephonySessionID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findByIDLocked(telephonySessionID)
}

// Webphone returns the webphone transport, nil when absent or disposed
func (c *Client) Webphone() Webphone {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.webphone
}

// CallControl returns the call-control transport, nil when absent or disposed
func (c *Client) CallControl() CallControl {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callControl
}

// Devices returns the devices known to call control
func (c *Client) Devices() []Device {
	ctl := c.CallControl()
	if ctl == nil {
		return nil
	}
	return ctl.Devices()
}

// RefreshDevices reloads the device list from call control
func (c *Client) RefreshDevices(ctx context.Context) error {
	ctl := c.CallControl()
	if ctl == nil {
		return precondition("RefreshDevices", ErrCallControlNotConfigured)
	}
	if err := ctl.RefreshDevices(ctx); err != nil {
		return &TransportError{Op: "RefreshDevices", Transport: transportCallControl, Err: err}
	}
	return nil
}

// WebphoneRegistered reports whether the webphone is registered
func (c *Client) WebphoneRegistered() bool {
	w := c.Webphone()
	return w != nil && w.IsRegistered()
}

// CallControlReady reports whether call control finished initializing
func (c *Client) CallControlReady() bool {
	ctl := c.CallControl()
	return ctl != nil && ctl.Ready()
}

// CallControlNotificationReady reports whether the push subscription is active
func (c *Client) CallControlNotificationReady() bool {
	c.mu.Lock()
	n := c.subscription
	c.mu.Unlock()
	return n != nil && n.Ready()
}

// ---- Teardown ----

// Dispose detaches from every transport, hangs up every remaining call and
// empties the registry. It is safe to call more than once. The returned
// error joins hangup failures.
func (c *Client) Dispose(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	sessions := c.sessions
	sessionSubs := c.sessionSubs
	transportSubs := []*emitter.Subscription{c.webphoneSub, c.callControlSub, c.subscriptionSub}
	notifier := c.subscription
	c.sessions = nil
	c.sessionSubs = make(map[*Session]*emitter.Subscription)
	c.webphone, c.callControl, c.subscription = nil, nil, nil
	c.webphoneSub, c.callControlSub, c.subscriptionSub = nil, nil, nil
	c.mu.Unlock()

	for _, sub := range transportSubs {
		if sub != nil {
			sub.Release()
		}
	}

	var errs []error
	for _, s := range sessions {
		if sub := sessionSubs[s]; sub != nil {
			sub.Release()
		}
		if s.hasHandles() {
			if err := s.Hangup(ctx); err != nil {
				c.log.WithField("localId", s.GetLocalID()).WithError(err).Warn("Error hanging up call during dispose")
				errs = append(errs, err)
			}
		}
		s.dispose()
	}

	if notifier != nil {
		notifier.Stop()
	}
	c.Emitter.RemoveAllListeners()
	c.log.WithField("sessions", len(sessions)).Info("Call client disposed")
	return errors.Join(errs...)
}
