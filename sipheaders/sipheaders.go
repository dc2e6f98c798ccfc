/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package sipheaders extracts call correlation identifiers from the custom
// SIP headers RingCentral attaches to webphone requests and responses.
package sipheaders

import (
	"regexp"
	"strings"

	"github.com/emiago/sipgo/sip"
)

const (
	// APIIDsHeader carries "party-id=...;session-id=..." for the telephony session.
	APIIDsHeader = "P-Rc-Api-Ids"
	// CallIDHeader is the standard SIP dialog identifier.
	CallIDHeader = "Call-ID"
	// CallTypeHeader tags invites that pick up or switch an existing call.
	CallTypeHeader = "RC-call-type"
)

// HeaderSource is satisfied by *sip.Request and *sip.Response.
type HeaderSource interface {
	GetHeader(name string) sip.Header
}

// PartyData is the decoded content of the P-Rc-Api-Ids header.
//
// PartyID is the participant in the telephony session, mostly the user on
// the call; it may also be a party that already left, e.g. after making a
// transfer. SessionID is the telephony session id.
type PartyData struct {
	PartyID   string
	SessionID string
	// Fields holds every key of the header, camel-cased.
	Fields map[string]string
}

var (
	camelizeSeparators = regexp.MustCompile(`(-|_|\.|\s)+(.)?`)
	camelizeLeading    = regexp.MustCompile(`(^|/)([A-Z])`)
)

// Camelize converts "party-id" style keys to "partyId".
func Camelize(key string) string {
	out := camelizeSeparators.ReplaceAllStringFunc(key, func(m string) string {
		sub := camelizeSeparators.FindStringSubmatch(m)
		return strings.ToUpper(sub[2])
	})
	return camelizeLeading.ReplaceAllStringFunc(out, strings.ToLower)
}

// ParseAPIIDs decodes a raw P-Rc-Api-Ids value. It returns nil for an
// empty value.
func ParseAPIIDs(raw string) *PartyData {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	pd := &PartyData{Fields: make(map[string]string)}
	for _, sub := range strings.Split(raw, ";") {
		parts := strings.Split(strings.TrimSpace(sub), "=")
		key := Camelize(parts[0])
		if key == "" {
			continue
		}
		value := ""
		if len(parts) > 1 {
			value = parts[1]
		}
		pd.Fields[key] = value
	}
	pd.PartyID = pd.Fields["partyId"]
	pd.SessionID = pd.Fields["sessionId"]
	return pd
}

// FormatAPIIDs renders party data back into header form.
func FormatAPIIDs(pd PartyData) string {
	var parts []string
	if pd.PartyID != "" {
		parts = append(parts, "party-id="+pd.PartyID)
	}
	if pd.SessionID != "" {
		parts = append(parts, "session-id="+pd.SessionID)
	}
	return strings.Join(parts, ";")
}

// ExtractHeadersData returns the party data and the SIP Call-ID of msg.
// The Call-ID is only reported together with party data; a message without
// the identity header yields (nil, ""). It never panics on absent headers.
func ExtractHeadersData(msg HeaderSource) (*PartyData, string) {
	if isNil(msg) {
		return nil, ""
	}
	h := msg.GetHeader(APIIDsHeader)
	if h == nil {
		return nil, ""
	}
	pd := ParseAPIIDs(h.Value())
	if pd == nil {
		return nil, ""
	}
	callID := ""
	if cid := msg.GetHeader(CallIDHeader); cid != nil {
		callID = strings.TrimSpace(cid.Value())
	}
	return pd, callID
}

func isNil(msg HeaderSource) bool {
	switch m := msg.(type) {
	case nil:
		return true
	case *sip.Request:
		return m == nil
	case *sip.Response:
		return m == nil
	}
	return false
}
