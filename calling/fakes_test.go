/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"
	"github.com/tejzpr/ringcentral-call-go/emitter"
	"github.com/tejzpr/ringcentral-call-go/sipheaders"
)

func testConfig() *Config {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Config{Logger: logger, DeviceID: "device-1"}
}

// ---- Webphone ----

type fakeWebphone struct {
	*emitter.Emitter

	mu         sync.Mutex
	registered bool
	inviteErr  error
	// sessionIDFor returns the telephony session id the server would put in
	// the P-Rc-Api-Ids header of an invite to the given number.
	sessionIDFor func(to string) string
	// duringInvite runs when Invite is entered
	duringInvite func()
	invites      []fakeInvite
	switches     []ActiveCall
	sent         []*fakeSignalingSession
}

type fakeInvite struct {
	to   string
	opts InviteOptions
}

func newFakeWebphone(registered bool) *fakeWebphone {
	return &fakeWebphone{Emitter: emitter.New(), registered: registered}
}

func (f *fakeWebphone) IsRegistered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered
}

func (f *fakeWebphone) setRegistered(registered bool) {
	f.mu.Lock()
	f.registered = registered
	f.mu.Unlock()
}

func (f *fakeWebphone) Invite(_ context.Context, to string, opts InviteOptions) (SignalingSession, error) {
	f.mu.Lock()
	during := f.duringInvite
	f.mu.Unlock()
	if during != nil {
		during()
	}

	f.mu.Lock()
	if f.inviteErr != nil {
		err := f.inviteErr
		f.mu.Unlock()
		return nil, err
	}
	id := ""
	if f.sessionIDFor != nil {
		id = f.sessionIDFor(to)
	}
	ss := newFakeSignaling(CallDirectionOutbound, "101", to, id)
	f.invites = append(f.invites, fakeInvite{to: to, opts: opts})
	f.sent = append(f.sent, ss)
	f.mu.Unlock()

	// the user agent reports every invite it sends
	f.Emit(WebphoneEventInviteSent, SignalingSession(ss))
	return ss, nil
}

func (f *fakeWebphone) SwitchFrom(ctx context.Context, call ActiveCall, opts InviteOptions) (SignalingSession, error) {
	f.mu.Lock()
	f.switches = append(f.switches, call)
	f.mu.Unlock()
	return f.Invite(ctx, call.To, opts)
}

func (f *fakeWebphone) lastInvite() fakeInvite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invites[len(f.invites)-1]
}

// ---- Signaling session ----

type fakeSignalingSession struct {
	*emitter.Emitter

	mu        sync.Mutex
	req       *sip.Request
	direction CallDirection
	start     time.Time
	err       error
	calls     []string
	reply     ReplyOptions
	target    string
}

func newFakeSignaling(direction CallDirection, from, to, telephonySessionID string) *fakeSignalingSession {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: to, Host: "sip.ringcentral.com"})
	req.AppendHeader(&sip.FromHeader{DisplayName: "Caller " + from, Address: sip.Uri{User: from, Host: "sip.ringcentral.com"}})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: to, Host: "sip.ringcentral.com"}})
	if telephonySessionID != "" {
		req.AppendHeader(sip.NewHeader(sipheaders.APIIDsHeader,
			sipheaders.FormatAPIIDs(sipheaders.PartyData{PartyID: telephonySessionID + "-2", SessionID: telephonySessionID})))
		req.AppendHeader(sip.NewHeader(sipheaders.CallIDHeader, "call-"+telephonySessionID))
	}
	return &fakeSignalingSession{
		Emitter:   emitter.New(),
		req:       req,
		direction: direction,
		start:     time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// response builds a SIP response carrying the given telephony session id.
func (f *fakeSignalingSession) response(code int, telephonySessionID string) *sip.Response {
	res := sip.NewResponseFromRequest(f.req, code, "OK", nil)
	if telephonySessionID != "" {
		res.AppendHeader(sip.NewHeader(sipheaders.APIIDsHeader, "party-id=p-1;session-id="+telephonySessionID))
	}
	return res
}

func (f *fakeSignalingSession) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeSignalingSession) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSignalingSession) Request() *sip.Request    { return f.req }
func (f *fakeSignalingSession) Direction() CallDirection { return f.direction }
func (f *fakeSignalingSession) StartTime() time.Time     { return f.start }

func (f *fakeSignalingSession) Accept(context.Context) error      { return f.record("accept") }
func (f *fakeSignalingSession) Reject(context.Context) error      { return f.record("reject") }
func (f *fakeSignalingSession) Terminate(context.Context) error   { return f.record("terminate") }
func (f *fakeSignalingSession) Hold(context.Context) error        { return f.record("hold") }
func (f *fakeSignalingSession) Unhold(context.Context) error      { return f.record("unhold") }
func (f *fakeSignalingSession) Mute(context.Context) error        { return f.record("mute") }
func (f *fakeSignalingSession) Unmute(context.Context) error      { return f.record("unmute") }
func (f *fakeSignalingSession) ToVoicemail(context.Context) error { return f.record("toVoicemail") }
func (f *fakeSignalingSession) Park(context.Context) error        { return f.record("park") }
func (f *fakeSignalingSession) StartRecord(context.Context) error { return f.record("startRecord") }
func (f *fakeSignalingSession) StopRecord(context.Context) error  { return f.record("stopRecord") }

func (f *fakeSignalingSession) Forward(_ context.Context, target string, _ ForwardOptions) error {
	f.mu.Lock()
	f.target = target
	f.mu.Unlock()
	return f.record("forward")
}

func (f *fakeSignalingSession) Transfer(_ context.Context, target string, _ TransferOptions) error {
	f.mu.Lock()
	f.target = target
	f.mu.Unlock()
	return f.record("transfer")
}

func (f *fakeSignalingSession) Flip(_ context.Context, target string) error {
	f.mu.Lock()
	f.target = target
	f.mu.Unlock()
	return f.record("flip")
}

func (f *fakeSignalingSession) ReplyWithMessage(_ context.Context, opts ReplyOptions) error {
	f.mu.Lock()
	f.reply = opts
	f.mu.Unlock()
	return f.record("replyWithMessage")
}

// ---- Call control ----

type fakeCallControl struct {
	*emitter.Emitter

	mu            sync.Mutex
	ready         bool
	sessions      []TelephonySession
	devices       []Device
	created       []createCallArgs
	createErr     error
	loadResult    []TelephonySession
	loadedRaw     []json.RawMessage
	notifications []json.RawMessage
	refreshes     int
	nextID        int
}

type createCallArgs struct {
	deviceID string
	to       Destination
}

func newFakeCallControl() *fakeCallControl {
	return &fakeCallControl{Emitter: emitter.New()}
}

func (f *fakeCallControl) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeCallControl) Sessions() []TelephonySession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TelephonySession(nil), f.sessions...)
}

func (f *fakeCallControl) Devices() []Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices
}

func (f *fakeCallControl) RefreshDevices(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

func (f *fakeCallControl) CreateCall(_ context.Context, deviceID string, to Destination) (TelephonySession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	f.created = append(f.created, createCallArgs{deviceID: deviceID, to: to})
	number := to.PhoneNumber
	if number == "" {
		number = to.ExtensionNumber
	}
	ts := newFakeTelephony(fmt.Sprintf("cc-%d", f.nextID), CallDirectionOutbound, "101", number, PartyStatusSetup)
	f.sessions = append(f.sessions, ts)
	return ts, nil
}

func (f *fakeCallControl) LoadSessions(_ context.Context, raw []json.RawMessage) ([]TelephonySession, error) {
	f.mu.Lock()
	f.loadedRaw = raw
	result := f.loadResult
	f.mu.Unlock()
	// the real client announces each loaded session
	for _, ts := range result {
		f.Emit(CallControlEventNew, ts)
	}
	return result, nil
}

func (f *fakeCallControl) OnNotificationEvent(payload json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, payload)
}

// ---- Telephony session ----

type fakeTelephonySession struct {
	*emitter.Emitter

	mu          sync.Mutex
	id          string
	data        SessionData
	party       *Party
	others      []Party
	recordings  []Recording
	err         error
	calls       []string
	destination Destination
	deviceID    string
	recordingID string
	flipID      string
	reply       ReplyParams
}

func newFakeTelephony(id string, direction CallDirection, from, to string, code PartyStatusCode) *fakeTelephonySession {
	return &fakeTelephonySession{
		Emitter: emitter.New(),
		id:      id,
		data: SessionData{
			SessionID:    "s-" + id,
			CreationTime: time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC),
		},
		party: &Party{
			ID:        id + "-2",
			Status:    PartyStatus{Code: code},
			Direction: direction,
			From:      PartyInfo{PhoneNumber: from},
			To:        PartyInfo{PhoneNumber: to},
		},
		recordings: []Recording{},
	}
}

// setStatus updates the user's party and emits a status notification.
func (f *fakeTelephonySession) setStatus(code PartyStatusCode, reason string) {
	f.mu.Lock()
	p := *f.party
	p.Status = PartyStatus{Code: code, Reason: reason}
	f.party = &p
	f.mu.Unlock()
	f.Emit(TelephonyEventStatus, StatusEvent{Party: &p})
}

func (f *fakeTelephonySession) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeTelephonySession) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTelephonySession) ID() string        { return f.id }
func (f *fakeTelephonySession) Data() SessionData { return f.data }

func (f *fakeTelephonySession) Party() *Party {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.party
}

func (f *fakeTelephonySession) OtherParties() []Party {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.others
}

func (f *fakeTelephonySession) Recordings() []Recording {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recordings
}

func (f *fakeTelephonySession) Drop(context.Context) error         { return f.record("drop") }
func (f *fakeTelephonySession) Hold(context.Context) error         { return f.record("hold") }
func (f *fakeTelephonySession) Unhold(context.Context) error       { return f.record("unhold") }
func (f *fakeTelephonySession) Mute(context.Context) error         { return f.record("mute") }
func (f *fakeTelephonySession) Unmute(context.Context) error       { return f.record("unmute") }
func (f *fakeTelephonySession) ToVoicemail(context.Context) error  { return f.record("toVoicemail") }
func (f *fakeTelephonySession) Park(context.Context) error         { return f.record("park") }
func (f *fakeTelephonySession) CreateRecord(context.Context) error { return f.record("createRecord") }

func (f *fakeTelephonySession) Ignore(_ context.Context, deviceID string) error {
	f.mu.Lock()
	f.deviceID = deviceID
	f.mu.Unlock()
	return f.record("ignore")
}

func (f *fakeTelephonySession) Answer(_ context.Context, deviceID string) error {
	f.mu.Lock()
	f.deviceID = deviceID
	f.mu.Unlock()
	return f.record("answer")
}

func (f *fakeTelephonySession) Reply(_ context.Context, params ReplyParams) error {
	f.mu.Lock()
	f.reply = params
	f.mu.Unlock()
	return f.record("reply")
}

func (f *fakeTelephonySession) Forward(_ context.Context, to Destination) error {
	f.mu.Lock()
	f.destination = to
	f.mu.Unlock()
	return f.record("forward")
}

func (f *fakeTelephonySession) Transfer(_ context.Context, to Destination) error {
	f.mu.Lock()
	f.destination = to
	f.mu.Unlock()
	return f.record("transfer")
}

func (f *fakeTelephonySession) Flip(_ context.Context, callFlipID string) error {
	f.mu.Lock()
	f.flipID = callFlipID
	f.mu.Unlock()
	return f.record("flip")
}

func (f *fakeTelephonySession) ResumeRecord(_ context.Context, recordingID string) error {
	f.mu.Lock()
	f.recordingID = recordingID
	f.mu.Unlock()
	return f.record("resumeRecord")
}

func (f *fakeTelephonySession) PauseRecord(_ context.Context, recordingID string) error {
	f.mu.Lock()
	f.recordingID = recordingID
	f.mu.Unlock()
	return f.record("pauseRecord")
}

// ---- Notifier ----

type fakeNotifier struct {
	*emitter.Emitter

	mu      sync.Mutex
	ready   bool
	stopped int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{Emitter: emitter.New()}
}

func (f *fakeNotifier) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeNotifier) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

// ---- Event recording ----

// eventLog counts events emitted by an emitter.Source.
type eventLog struct {
	mu     sync.Mutex
	counts map[string]int
	data   map[string][]interface{}
}

func recordEvents(src emitter.Source, events ...string) *eventLog {
	l := &eventLog{counts: make(map[string]int), data: make(map[string][]interface{})}
	for _, event := range events {
		event := event
		src.On(event, func(data interface{}) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.counts[event]++
			l.data[event] = append(l.data[event], data)
		})
	}
	return l
}

func (l *eventLog) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[event]
}

func (l *eventLog) payloads(event string) []interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]interface{}(nil), l.data[event]...)
}
