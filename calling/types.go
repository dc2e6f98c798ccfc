/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"time"

	"github.com/emiago/sipgo/sip"
)

// ---- Enums / Constants ----

// CallDirection indicates whether a call is inbound or outbound
type CallDirection string

const (
	CallDirectionInbound  CallDirection = "Inbound"
	CallDirectionOutbound CallDirection = "Outbound"
)

// PartyStatusCode is the status of a party as reported by call control.
// Signaling-only sessions collapse onto the same vocabulary.
type PartyStatusCode string

const (
	PartyStatusSetup        PartyStatusCode = "Setup"
	PartyStatusProceeding   PartyStatusCode = "Proceeding"
	PartyStatusAnswered     PartyStatusCode = "Answered"
	PartyStatusDisconnected PartyStatusCode = "Disconnected"
	PartyStatusVoiceMail    PartyStatusCode = "VoiceMail"
	PartyStatusHold         PartyStatusCode = "Hold"
	PartyStatusParked       PartyStatusCode = "Parked"
	PartyStatusGone         PartyStatusCode = "Gone"
)

// Disconnect reasons that move a call to another leg instead of ending it.
const (
	DisconnectReasonPickup     = "Pickup"
	DisconnectReasonCallSwitch = "CallSwitch"
)

// CallType selects the transport used by MakeCall
type CallType string

const (
	CallTypeWebphone    CallType = "webphone"
	CallTypeCallControl CallType = "callControl"
)

// SessionEvent is an event emitted by a Session
type SessionEvent string

const (
	SessionEventStatus                   SessionEvent = "status"
	SessionEventDisconnected             SessionEvent = "disconnected"
	SessionEventWebphoneSessionConnected SessionEvent = "webphoneSessionConnected"
	SessionEventRecordings               SessionEvent = "recordings"
	SessionEventMuted                    SessionEvent = "muted"
)

// ClientEvent is an event emitted by a Client
type ClientEvent string

const (
	ClientEventNew                          ClientEvent = "new"
	ClientEventWebphoneRegistered           ClientEvent = "webphone-registered"
	ClientEventWebphoneUnregistered         ClientEvent = "webphone-unregistered"
	ClientEventWebphoneRegistrationFailed   ClientEvent = "webphone-registration-failed"
	ClientEventCallControlReady             ClientEvent = "call-control-ready"
	ClientEventCallControlNotificationReady ClientEvent = "call-control-notification-ready"
	ClientEventCallControlNotificationError ClientEvent = "call-control-notification-error"
	ClientEventWebphoneInvite               ClientEvent = "webphone-invite"
	ClientEventWebphoneInviteSent           ClientEvent = "webphone-invite-sent"
)

// extensionMaxLength is the longest number treated as an internal extension.
const extensionMaxLength = 5

// ---- Party Types ----

// PartyStatus is the status block of a telephony party
type PartyStatus struct {
	Code        PartyStatusCode `json:"code"`
	Reason      string          `json:"reason,omitempty"`
	Description string          `json:"description,omitempty"`
}

// PartyInfo describes one end of a call
type PartyInfo struct {
	PhoneNumber     string `json:"phoneNumber,omitempty"`
	Name            string `json:"name,omitempty"`
	ExtensionNumber string `json:"extensionNumber,omitempty"`
}

// Party is a participant of a telephony session
type Party struct {
	ID         string        `json:"id"`
	Status     PartyStatus   `json:"status"`
	Direction  CallDirection `json:"direction,omitempty"`
	From       PartyInfo     `json:"from"`
	To         PartyInfo     `json:"to"`
	Muted      bool          `json:"muted"`
	StandAlone bool          `json:"standAlone"`
}

// Recording is a call recording known to call control
type Recording struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// SessionData is the server-side description of a telephony session
type SessionData struct {
	SessionID    string    `json:"sessionId,omitempty"`
	CreationTime time.Time `json:"creationTime"`
}

// Device is a phone or softphone the user can place calls from
type Device struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Type   string `json:"type,omitempty"`
	Status string `json:"status,omitempty"`
}

// Destination is a call-control target. Exactly one field is set.
type Destination struct {
	PhoneNumber     string `json:"phoneNumber,omitempty"`
	ExtensionNumber string `json:"extensionNumber,omitempty"`
}

// NewDestination classifies number as a phone number when it is longer than
// five characters and as an extension number otherwise.
func NewDestination(number string) Destination {
	if len(number) > extensionMaxLength {
		return Destination{PhoneNumber: number}
	}
	return Destination{ExtensionNumber: number}
}

// ---- Event Payloads ----

// StatusEvent is the payload of SessionEventStatus
type StatusEvent struct {
	// Party is the party carried by the telephony update, nil for
	// signaling-derived changes.
	Party  *Party
	Status PartyStatusCode
}

// RegistrationFailure is the payload of a webphone registration failure
type RegistrationFailure struct {
	Response *sip.Response
	Cause    string
}

// ---- Action Parameters ----

// MakeCallParams describes an outbound call
type MakeCallParams struct {
	ToNumber      string
	FromNumber    string
	DeviceID      string
	Type          CallType
	HomeCountryID string
}

// InviteOptions are passed to the webphone when sending an invite
type InviteOptions struct {
	FromNumber    string
	HomeCountryID string
	ExtraHeaders  []sip.Header
}

// ActiveCall identifies a call running on another device that the webphone
// should take over.
type ActiveCall struct {
	TelephonySessionID string
	PartyID            string
	SessionID          string
	Direction          CallDirection
	From               string
	To                 string
}

// ForwardOptions tune a signaling-side forward
type ForwardOptions struct {
	ExtraHeaders []sip.Header
}

// TransferOptions tune a signaling-side transfer
type TransferOptions struct {
	ExtraHeaders []sip.Header
}

// ReplyPattern is a canned "call me back" reply
type ReplyPattern struct {
	Pattern  string `json:"pattern"`
	Time     int    `json:"time,omitempty"`
	TimeUnit string `json:"timeUnit,omitempty"`
}

// ReplyParams is a call-control reply-with-message request
type ReplyParams struct {
	ReplyWithText    string        `json:"replyWithText,omitempty"`
	ReplyWithPattern *ReplyPattern `json:"replyWithPattern,omitempty"`
}

// ReplyOptions is the webphone form of a reply-with-message request
type ReplyOptions struct {
	ReplyText string
	TimeValue int
	TimeUnits string
}

// WebphoneOptions converts call-control reply params to the webphone form.
func (p ReplyParams) WebphoneOptions() ReplyOptions {
	opts := ReplyOptions{ReplyText: p.ReplyWithText}
	if p.ReplyWithPattern != nil {
		opts.TimeValue = p.ReplyWithPattern.Time
		opts.TimeUnits = p.ReplyWithPattern.TimeUnit
	}
	return opts
}
