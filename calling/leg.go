/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "context"

const (
	transportWebphone    = "webphone"
	transportCallControl = "callControl"
)

// leg is the action surface shared by both transports. A leg returns
// errNotSupported when it cannot serve an action so dispatch moves on to
// the other leg.
type leg interface {
	name() string
	answer(ctx context.Context, deviceID string) error
	reject(ctx context.Context, deviceID string) error
	hangup(ctx context.Context) error
	hold(ctx context.Context) error
	unhold(ctx context.Context) error
	mute(ctx context.Context) error
	unmute(ctx context.Context) error
	toVoicemail(ctx context.Context) error
	reply(ctx context.Context, params ReplyParams) error
	forward(ctx context.Context, target string, opts ForwardOptions) error
	transfer(ctx context.Context, target string, opts TransferOptions) error
	park(ctx context.Context) error
	flip(ctx context.Context, target string) error
	startRecord(ctx context.Context, recordingID string) error
	stopRecord(ctx context.Context, recordingID string) error
}

// preference selects which leg is tried first for an action
type preference int

const (
	preferSignaling preference = iota
	preferTelephony
)

// signalingLeg adapts a SignalingSession
type signalingLeg struct {
	s SignalingSession
}

func (l signalingLeg) name() string { return transportWebphone }

func (l signalingLeg) answer(ctx context.Context, _ string) error { return l.s.Accept(ctx) }
func (l signalingLeg) reject(ctx context.Context, _ string) error { return l.s.Reject(ctx) }
func (l signalingLeg) hangup(ctx context.Context) error           { return l.s.Terminate(ctx) }
func (l signalingLeg) hold(ctx context.Context) error             { return l.s.Hold(ctx) }
func (l signalingLeg) unhold(ctx context.Context) error           { return l.s.Unhold(ctx) }
func (l signalingLeg) mute(ctx context.Context) error             { return l.s.Mute(ctx) }
func (l signalingLeg) unmute(ctx context.Context) error           { return l.s.Unmute(ctx) }
func (l signalingLeg) toVoicemail(ctx context.Context) error      { return l.s.ToVoicemail(ctx) }
func (l signalingLeg) park(ctx context.Context) error             { return l.s.Park(ctx) }

func (l signalingLeg) reply(ctx context.Context, params ReplyParams) error {
	return l.s.ReplyWithMessage(ctx, params.WebphoneOptions())
}

func (l signalingLeg) forward(ctx context.Context, target string, opts ForwardOptions) error {
	return l.s.Forward(ctx, target, opts)
}

func (l signalingLeg) transfer(ctx context.Context, target string, opts TransferOptions) error {
	return l.s.Transfer(ctx, target, opts)
}

func (l signalingLeg) flip(ctx context.Context, target string) error {
	return l.s.Flip(ctx, target)
}

// The webphone records the whole call; a recording id has no meaning here.
func (l signalingLeg) startRecord(ctx context.Context, _ string) error { return l.s.StartRecord(ctx) }
func (l signalingLeg) stopRecord(ctx context.Context, _ string) error  { return l.s.StopRecord(ctx) }

// telephonyLeg adapts a TelephonySession
type telephonyLeg struct {
	t TelephonySession
}

func (l telephonyLeg) name() string { return transportCallControl }

func (l telephonyLeg) answer(ctx context.Context, deviceID string) error {
	return l.t.Answer(ctx, deviceID)
}

func (l telephonyLeg) reject(ctx context.Context, deviceID string) error {
	return l.t.Ignore(ctx, deviceID)
}

func (l telephonyLeg) hangup(ctx context.Context) error      { return l.t.Drop(ctx) }
func (l telephonyLeg) hold(ctx context.Context) error        { return l.t.Hold(ctx) }
func (l telephonyLeg) unhold(ctx context.Context) error      { return l.t.Unhold(ctx) }
func (l telephonyLeg) mute(ctx context.Context) error        { return l.t.Mute(ctx) }
func (l telephonyLeg) unmute(ctx context.Context) error      { return l.t.Unmute(ctx) }
func (l telephonyLeg) toVoicemail(ctx context.Context) error { return l.t.ToVoicemail(ctx) }
func (l telephonyLeg) park(ctx context.Context) error        { return l.t.Park(ctx) }

func (l telephonyLeg) reply(ctx context.Context, params ReplyParams) error {
	return l.t.Reply(ctx, params)
}

func (l telephonyLeg) forward(ctx context.Context, target string, _ ForwardOptions) error {
	return l.t.Forward(ctx, NewDestination(target))
}

func (l telephonyLeg) transfer(ctx context.Context, target string, _ TransferOptions) error {
	return l.t.Transfer(ctx, NewDestination(target))
}

func (l telephonyLeg) flip(ctx context.Context, callFlipID string) error {
	return l.t.Flip(ctx, callFlipID)
}

func (l telephonyLeg) startRecord(ctx context.Context, recordingID string) error {
	if recordingID == "" {
		return l.t.CreateRecord(ctx)
	}
	return l.t.ResumeRecord(ctx, recordingID)
}

// Call control can only pause a known recording.
func (l telephonyLeg) stopRecord(ctx context.Context, recordingID string) error {
	if recordingID == "" {
		return errNotSupported
	}
	return l.t.PauseRecord(ctx, recordingID)
}
