/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"encoding/json"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/tejzpr/ringcentral-call-go/emitter"
)

// Events emitted by a Webphone.
const (
	WebphoneEventInvite             = "invite"
	WebphoneEventInviteSent         = "inviteSent"
	WebphoneEventRegistered         = "registered"
	WebphoneEventUnregistered       = "unregistered"
	WebphoneEventRegistrationFailed = "registrationFailed"
)

// Events emitted by a SignalingSession.
const (
	SignalingEventAccepted   = "accepted"
	SignalingEventProgress   = "progress"
	SignalingEventTerminated = "terminated"
)

// Events emitted by CallControl and TelephonySession.
const (
	CallControlEventNew         = "new"
	CallControlEventInitialized = "initialized"

	TelephonyEventStatus     = "status"
	TelephonyEventRecordings = "recordings"
	TelephonyEventMuted      = "muted"
)

// Webphone is the SIP/WebRTC user agent.
//
// "invite" and "inviteSent" carry a SignalingSession, "registrationFailed"
// carries a RegistrationFailure.
type Webphone interface {
	emitter.Source
	IsRegistered() bool
	Invite(ctx context.Context, to string, opts InviteOptions) (SignalingSession, error)
	SwitchFrom(ctx context.Context, call ActiveCall, opts InviteOptions) (SignalingSession, error)
}

// SignalingSession is one SIP dialog of the webphone.
//
// "accepted" and "progress" carry the *sip.Response that caused them.
type SignalingSession interface {
	emitter.Source
	Request() *sip.Request
	Direction() CallDirection
	StartTime() time.Time

	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	Terminate(ctx context.Context) error
	Hold(ctx context.Context) error
	Unhold(ctx context.Context) error
	Mute(ctx context.Context) error
	Unmute(ctx context.Context) error
	ToVoicemail(ctx context.Context) error
	Forward(ctx context.Context, target string, opts ForwardOptions) error
	Transfer(ctx context.Context, target string, opts TransferOptions) error
	Park(ctx context.Context) error
	Flip(ctx context.Context, target string) error
	StartRecord(ctx context.Context) error
	StopRecord(ctx context.Context) error
	ReplyWithMessage(ctx context.Context, opts ReplyOptions) error
}

// CallControl is the REST call-control client fed by push notifications.
//
// "new" carries a TelephonySession.
type CallControl interface {
	emitter.Source
	Ready() bool
	Sessions() []TelephonySession
	Devices() []Device
	RefreshDevices(ctx context.Context) error
	CreateCall(ctx context.Context, deviceID string, to Destination) (TelephonySession, error)
	LoadSessions(ctx context.Context, raw []json.RawMessage) ([]TelephonySession, error)
	OnNotificationEvent(payload json.RawMessage)
}

// TelephonySession is the server-side view of one call.
//
// "status", "recordings" and "muted" carry a StatusEvent.
type TelephonySession interface {
	emitter.Source
	ID() string
	Data() SessionData
	Party() *Party
	OtherParties() []Party
	Recordings() []Recording

	Drop(ctx context.Context) error
	Hold(ctx context.Context) error
	Unhold(ctx context.Context) error
	Mute(ctx context.Context) error
	Unmute(ctx context.Context) error
	ToVoicemail(ctx context.Context) error
	Ignore(ctx context.Context, deviceID string) error
	Answer(ctx context.Context, deviceID string) error
	Reply(ctx context.Context, params ReplyParams) error
	Forward(ctx context.Context, to Destination) error
	Transfer(ctx context.Context, to Destination) error
	Park(ctx context.Context) error
	Flip(ctx context.Context, callFlipID string) error
	CreateRecord(ctx context.Context) error
	ResumeRecord(ctx context.Context, recordingID string) error
	PauseRecord(ctx context.Context, recordingID string) error
}

// Notifier is the push-notification subscription feeding CallControl.
// It emits "ready" and "error".
type Notifier interface {
	emitter.Source
	Ready() bool
	Stop()
}

// Notifier events.
const (
	NotifierEventReady = "ready"
	NotifierEventError = "error"
)
