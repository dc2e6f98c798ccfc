/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tejzpr/ringcentral-call-go/emitter"
	"github.com/tejzpr/ringcentral-call-go/sipheaders"
)

// Session is one real-world call. It owns at most one webphone signaling
// session and at most one call-control telephony session and routes every
// action to whichever of them can serve it.
//
// Handles are compared by identity, so transport implementations must use
// comparable (pointer) types.
type Session struct {
	mu sync.RWMutex

	log      logrus.FieldLogger
	deviceID string

	// Identifiers
	localID            string
	telephonySessionID string
	sessionID          string
	activeCallID       string

	// Transport handles and the listeners registered on them
	signaling    SignalingSession
	signalingSub *emitter.Subscription
	telephony    TelephonySession
	telephonySub *emitter.Subscription

	// Call state
	status                   PartyStatusCode
	final                    bool
	ended                    bool
	webphoneSessionConnected bool

	// Values captured from the signaling request
	signalingDirection CallDirection
	signalingFrom      PartyInfo
	signalingTo        PartyInfo
	signalingStart     time.Time
	creationTime       time.Time

	// Events
	Emitter *emitter.Emitter
}

func newSession(config *Config) *Session {
	s := &Session{
		localID:  uuid.New().String(),
		deviceID: config.DeviceID,
		status:   PartyStatusSetup,
		Emitter:  emitter.New(),
	}
	s.log = config.Logger.WithField("localId", s.localID)
	return s
}

func (s *Session) logger() logrus.FieldLogger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.telephonySessionID == "" {
		return s.log
	}
	return s.log.WithField("telephonySessionId", s.telephonySessionID)
}

// ---- Accessors ----

// GetID returns the telephony session id, the cross-transport call key.
func (s *Session) GetID() string {
	return s.GetTelephonySessionID()
}

// GetTelephonySessionID returns the telephony session id, empty until
// either transport reveals it.
func (s *Session) GetTelephonySessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.telephonySessionID
}

// GetSessionID returns the server call id, known once call control attached.
func (s *Session) GetSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// GetActiveCallID returns the SIP Call-ID of the signaling session.
func (s *Session) GetActiveCallID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeCallID
}

// GetLocalID returns an id assigned at creation, stable for the session's life.
func (s *Session) GetLocalID() string {
	return s.localID
}

// GetStatus returns the resolved call status
func (s *Session) GetStatus() PartyStatusCode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsWebphoneSessionConnected reports whether a signaling session was ever attached.
func (s *Session) IsWebphoneSessionConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.webphoneSessionConnected
}

// GetSignalingSession returns the attached webphone session, or nil.
func (s *Session) GetSignalingSession() SignalingSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signaling
}

// GetTelephonySession returns the attached call-control session, or nil.
func (s *Session) GetTelephonySession() TelephonySession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.telephony
}

// GetParty returns the user's own party, nil without call control.
func (s *Session) GetParty() *Party {
	t := s.GetTelephonySession()
	if t == nil {
		return nil
	}
	return t.Party()
}

// GetOtherParties returns the remaining parties, nil without call control.
func (s *Session) GetOtherParties() []Party {
	t := s.GetTelephonySession()
	if t == nil {
		return nil
	}
	return t.OtherParties()
}

// GetRecordings returns the call recordings, empty without call control.
func (s *Session) GetRecordings() []Recording {
	t := s.GetTelephonySession()
	if t == nil {
		return []Recording{}
	}
	return t.Recordings()
}

// GetDirection prefers the telephony party and falls back to the signaling session.
func (s *Session) GetDirection() CallDirection {
	if p := s.GetParty(); p != nil && p.Direction != "" {
		return p.Direction
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signalingDirection
}

// GetFrom returns the calling party
func (s *Session) GetFrom() PartyInfo {
	if p := s.GetParty(); p != nil {
		return p.From
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signalingFrom
}

// GetTo returns the called party
func (s *Session) GetTo() PartyInfo {
	if p := s.GetParty(); p != nil {
		return p.To
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signalingTo
}

// GetStartTime prefers the signaling start time, which is more accurate
// than the telephony creation time.
func (s *Session) GetStartTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.signalingStart.IsZero() {
		return s.signalingStart
	}
	return s.creationTime
}

// ---- Handle attach / detach ----

// attachSignaling binds ss to the session. Identifiers are updated before it
// returns; the returned function delivers the resulting events and must be
// called once the caller released its own locks.
func (s *Session) attachSignaling(ss SignalingSession) func() {
	s.mu.Lock()
	if s.signaling == ss || s.ended {
		s.mu.Unlock()
		return func() {}
	}
	old := s.signalingSub
	sub := &emitter.Subscription{}
	s.signaling = ss
	s.signalingSub = sub
	s.webphoneSessionConnected = true
	s.signalingDirection = ss.Direction()
	s.signalingStart = ss.StartTime()
	req := ss.Request()
	s.readSignalingParties(req)
	s.setIDsFromHeaders(req)
	s.mu.Unlock()

	if old != nil {
		old.Release()
	}
	sub.Add(ss, SignalingEventAccepted, func(data interface{}) {
		s.onSignalingResponse(ss, data, PartyStatusAnswered)
	})
	sub.Add(ss, SignalingEventProgress, func(data interface{}) {
		s.onSignalingResponse(ss, data, PartyStatusProceeding)
	})
	sub.Add(ss, SignalingEventTerminated, func(interface{}) {
		s.onSignalingTerminated(ss)
	})

	return func() {
		s.logger().Debug("Webphone session attached")
		s.Emitter.Emit(string(SessionEventWebphoneSessionConnected), nil)
	}
}

// attachTelephony binds ts to the session, replacing a stale telephony
// handle. The returned function delivers the resulting events.
func (s *Session) attachTelephony(ts TelephonySession) func() {
	s.mu.Lock()
	if s.telephony == ts || s.ended {
		s.mu.Unlock()
		return func() {}
	}
	old := s.telephonySub
	sub := &emitter.Subscription{}
	s.telephony = ts
	s.telephonySub = sub
	if s.telephonySessionID == "" {
		s.telephonySessionID = ts.ID()
	}
	data := ts.Data()
	if data.SessionID != "" {
		s.sessionID = data.SessionID
	}
	s.creationTime = data.CreationTime

	party := ts.Party()
	changed := false
	if party != nil && !s.final && s.status != party.Status.Code {
		s.status = party.Status.Code
		changed = true
	}
	status := s.status
	s.mu.Unlock()

	if old != nil {
		old.Release()
	}
	sub.Add(ts, TelephonyEventStatus, func(data interface{}) {
		s.onTelephonyStatus(ts, data)
	})
	sub.Add(ts, TelephonyEventRecordings, func(data interface{}) {
		s.onTelephonyPassthrough(ts, SessionEventRecordings, data)
	})
	sub.Add(ts, TelephonyEventMuted, func(data interface{}) {
		s.onTelephonyPassthrough(ts, SessionEventMuted, data)
	})

	return func() {
		s.logger().WithField("status", status).Debug("Telephony session attached")
		if changed {
			s.Emitter.Emit(string(SessionEventStatus), StatusEvent{Party: party, Status: status})
		}
	}
}

// readSignalingParties must be called with s.mu held.
func (s *Session) readSignalingParties(req *sip.Request) {
	if req == nil {
		return
	}
	if from := req.From(); from != nil {
		s.signalingFrom = PartyInfo{PhoneNumber: from.Address.User, Name: from.DisplayName}
	}
	if to := req.To(); to != nil {
		s.signalingTo = PartyInfo{PhoneNumber: to.Address.User, Name: to.DisplayName}
	}
}

// setIDsFromHeaders must be called with s.mu held.
func (s *Session) setIDsFromHeaders(msg sipheaders.HeaderSource) {
	partyData, callID := sipheaders.ExtractHeadersData(msg)
	if partyData != nil && partyData.SessionID != "" && s.telephonySessionID == "" {
		s.telephonySessionID = partyData.SessionID
	}
	if callID != "" {
		s.activeCallID = callID
	}
}

func (s *Session) onSignalingResponse(ss SignalingSession, data interface{}, code PartyStatusCode) {
	res, _ := data.(*sip.Response)

	s.mu.Lock()
	if s.signaling != ss || s.ended {
		s.mu.Unlock()
		return
	}
	s.setIDsFromHeaders(res)
	changed := false
	// call control reflects the network's view and wins once attached
	if s.telephony == nil && !s.final && s.status != code {
		s.status = code
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.Emitter.Emit(string(SessionEventStatus), StatusEvent{Status: code})
	}
}

func (s *Session) onSignalingTerminated(ss SignalingSession) {
	s.mu.Lock()
	if s.signaling != ss || s.ended {
		s.mu.Unlock()
		return
	}
	sub := s.signalingSub
	s.signaling = nil
	s.signalingSub = nil
	end := s.telephony == nil
	changed := false
	if end {
		changed = s.status != PartyStatusDisconnected
		s.status = PartyStatusDisconnected
		s.final = true
		s.ended = true
	}
	s.mu.Unlock()

	sub.Release()
	s.logger().WithField("ended", end).Debug("Webphone session terminated")
	if changed {
		s.Emitter.Emit(string(SessionEventStatus), StatusEvent{Status: PartyStatusDisconnected})
	}
	if end {
		s.Emitter.Emit(string(SessionEventDisconnected), nil)
	}
}

func (s *Session) onTelephonyStatus(ts TelephonySession, data interface{}) {
	var updated *Party
	switch ev := data.(type) {
	case StatusEvent:
		updated = ev.Party
	case *StatusEvent:
		if ev != nil {
			updated = ev.Party
		}
	}

	// read outside the lock, it is a transport call
	party := ts.Party()

	s.mu.Lock()
	if s.telephony != ts || s.ended {
		s.mu.Unlock()
		return
	}
	if party != nil && !s.final {
		s.status = party.Status.Code
	}
	var sub *emitter.Subscription
	end := false
	if party != nil && party.Status.Code == PartyStatusDisconnected && !movedToOtherLeg(party.Status.Reason) {
		sub = s.telephonySub
		s.telephony = nil
		s.telephonySub = nil
		s.status = PartyStatusDisconnected
		s.final = true
		if s.signaling == nil {
			s.ended = true
			end = true
		}
	}
	status := s.status
	s.mu.Unlock()

	if updated == nil {
		updated = party
	}
	s.Emitter.Emit(string(SessionEventStatus), StatusEvent{Party: updated, Status: status})
	if sub != nil {
		sub.Release()
		s.logger().WithField("ended", end).Debug("Telephony session disconnected")
	}
	if end {
		s.Emitter.Emit(string(SessionEventDisconnected), nil)
	}
}

func (s *Session) onTelephonyPassthrough(ts TelephonySession, event SessionEvent, data interface{}) {
	s.mu.RLock()
	current := s.telephony == ts && !s.ended
	s.mu.RUnlock()
	if current {
		s.Emitter.Emit(string(event), data)
	}
}

// movedToOtherLeg reports disconnect reasons that keep the call alive.
func movedToOtherLeg(reason string) bool {
	return reason == DisconnectReasonPickup || reason == DisconnectReasonCallSwitch
}

// isEnded reports whether disconnected was emitted
func (s *Session) isEnded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ended
}

// hasHandles reports whether any transport still backs the session
func (s *Session) hasHandles() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signaling != nil || s.telephony != nil
}

// dispose detaches from both transports and drops every listener.
func (s *Session) dispose() {
	s.mu.Lock()
	subs := []*emitter.Subscription{s.signalingSub, s.telephonySub}
	s.signaling, s.signalingSub = nil, nil
	s.telephony, s.telephonySub = nil, nil
	s.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			sub.Release()
		}
	}
	s.Emitter.RemoveAllListeners()
}

// ---- Actions ----

func (s *Session) legs(pref preference) []leg {
	s.mu.RLock()
	sig, tel := s.signaling, s.telephony
	s.mu.RUnlock()

	var first, second leg
	if sig != nil {
		first = signalingLeg{s: sig}
	}
	if tel != nil {
		second = telephonyLeg{t: tel}
	}
	if pref == preferTelephony {
		first, second = second, first
	}
	legs := make([]leg, 0, 2)
	for _, l := range []leg{first, second} {
		if l != nil {
			legs = append(legs, l)
		}
	}
	return legs
}

// dispatch runs fn on the preferred leg, moving to the other leg only when
// the preferred one is absent or cannot serve the action.
func (s *Session) dispatch(op string, pref preference, fn func(leg) error) error {
	for _, l := range s.legs(pref) {
		err := fn(l)
		if errors.Is(err, errNotSupported) {
			continue
		}
		if err != nil {
			s.logger().WithFields(logrus.Fields{"action": op, "transport": l.name()}).WithError(err).Warn("Call action failed")
			return &TransportError{Op: op, Transport: l.name(), Err: err}
		}
		s.logger().WithFields(logrus.Fields{"action": op, "transport": l.name()}).Debug("Call action sent")
		return nil
	}
	return &PreconditionError{Op: op, TelephonySessionID: s.GetTelephonySessionID(), Err: ErrNoTransport}
}

// dispatchAll runs fn on every attached leg, signaling first. Failures are
// joined; one leg failing does not stop the other.
func (s *Session) dispatchAll(op string, fn func(leg) error) error {
	var (
		errs   []error
		served bool
	)
	for _, l := range s.legs(preferSignaling) {
		err := fn(l)
		if errors.Is(err, errNotSupported) {
			continue
		}
		served = true
		fields := logrus.Fields{"action": op, "transport": l.name()}
		if err != nil {
			s.logger().WithFields(fields).WithError(err).Warn("Call action failed")
			errs = append(errs, &TransportError{Op: op, Transport: l.name(), Err: err})
			continue
		}
		s.logger().WithFields(fields).Debug("Call action sent")
	}
	if !served {
		return &PreconditionError{Op: op, TelephonySessionID: s.GetTelephonySessionID(), Err: ErrNoTransport}
	}
	return errors.Join(errs...)
}

func (s *Session) device(deviceID string) string {
	if deviceID != "" {
		return deviceID
	}
	return s.deviceID
}

// Answer accepts the call on the webphone, or through call control on
// deviceID (the configured device when empty).
func (s *Session) Answer(ctx context.Context, deviceID string) error {
	deviceID = s.device(deviceID)
	return s.dispatch("Answer", preferSignaling, func(l leg) error { return l.answer(ctx, deviceID) })
}

// Reject ignores the call through call control, or rejects it on the webphone.
func (s *Session) Reject(ctx context.Context, deviceID string) error {
	deviceID = s.device(deviceID)
	return s.dispatch("Reject", preferTelephony, func(l leg) error { return l.reject(ctx, deviceID) })
}

// Hangup terminates the webphone session, or drops the call through call control.
func (s *Session) Hangup(ctx context.Context) error {
	return s.dispatch("Hangup", preferSignaling, func(l leg) error { return l.hangup(ctx) })
}

// Hold puts the call on hold
func (s *Session) Hold(ctx context.Context) error {
	return s.dispatch("Hold", preferSignaling, func(l leg) error { return l.hold(ctx) })
}

// Unhold resumes a held call
func (s *Session) Unhold(ctx context.Context) error {
	return s.dispatch("Unhold", preferSignaling, func(l leg) error { return l.unhold(ctx) })
}

// Mute mutes the local microphone and the call-control party
func (s *Session) Mute(ctx context.Context) error {
	return s.dispatchAll("Mute", func(l leg) error { return l.mute(ctx) })
}

// Unmute reverses Mute on every attached transport
func (s *Session) Unmute(ctx context.Context) error {
	return s.dispatchAll("Unmute", func(l leg) error { return l.unmute(ctx) })
}

// Park parks the call
func (s *Session) Park(ctx context.Context) error {
	return s.dispatch("Park", preferSignaling, func(l leg) error { return l.park(ctx) })
}

// ToVoicemail sends the call to voicemail
func (s *Session) ToVoicemail(ctx context.Context) error {
	return s.dispatch("ToVoicemail", preferTelephony, func(l leg) error { return l.toVoicemail(ctx) })
}

// ReplyWithMessage declines the call with a text reply
func (s *Session) ReplyWithMessage(ctx context.Context, params ReplyParams) error {
	return s.dispatch("ReplyWithMessage", preferTelephony, func(l leg) error { return l.reply(ctx, params) })
}

// Forward forwards a ringing call. The webphone forwards locally; call
// control receives a phone or extension number depending on its length.
func (s *Session) Forward(ctx context.Context, target string, opts ForwardOptions) error {
	return s.dispatch("Forward", preferSignaling, func(l leg) error { return l.forward(ctx, target, opts) })
}

// Transfer blind-transfers the call
func (s *Session) Transfer(ctx context.Context, target string, opts TransferOptions) error {
	return s.dispatch("Transfer", preferSignaling, func(l leg) error { return l.transfer(ctx, target, opts) })
}

// Flip flips the call to another of the user's numbers
func (s *Session) Flip(ctx context.Context, callFlipID string) error {
	return s.dispatch("Flip", preferTelephony, func(l leg) error { return l.flip(ctx, callFlipID) })
}

// StartRecord resumes recordingID through call control, or creates a new
// recording when it is empty. Without call control the webphone records.
func (s *Session) StartRecord(ctx context.Context, recordingID string) error {
	return s.dispatch("StartRecord", preferTelephony, func(l leg) error { return l.startRecord(ctx, recordingID) })
}

// StopRecord pauses recordingID through call control. Without a recording
// id or without call control the webphone stops recording.
func (s *Session) StopRecord(ctx context.Context, recordingID string) error {
	return s.dispatch("StopRecord", preferTelephony, func(l leg) error { return l.stopRecord(ctx, recordingID) })
}
