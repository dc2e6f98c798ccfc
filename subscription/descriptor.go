/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Descriptor is a push-notification subscription as returned by the
// subscription API. It is persisted in the cache between runs.
type Descriptor struct {
	ID             string       `json:"id"`
	URI            string       `json:"uri,omitempty"`
	EventFilters   []string     `json:"eventFilters"`
	ExpiresIn      int          `json:"expiresIn,omitempty"`
	ExpirationTime time.Time    `json:"expirationTime"`
	CreationTime   time.Time    `json:"creationTime"`
	Status         string       `json:"status,omitempty"`
	DeliveryMode   DeliveryMode `json:"deliveryMode"`
}

// DeliveryMode describes how notifications reach the client
type DeliveryMode struct {
	TransportType string `json:"transportType"`
	Encryption    bool   `json:"encryption,omitempty"`
}

// StatusActive is the status of a live subscription
const StatusActive = "Active"

// Expired reports whether the subscription has expired at now. A
// descriptor without an expiration time never expires.
func (d *Descriptor) Expired(now time.Time) bool {
	return !d.ExpirationTime.IsZero() && !now.Before(d.ExpirationTime)
}

// Clone returns a deep copy of d
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	out := *d
	out.EventFilters = append([]string(nil), d.EventFilters...)
	return &out
}

var errInvalidDescriptor = errors.New("invalid subscription descriptor")

// DecodeDescriptor parses a cached descriptor. A descriptor without an id,
// or one that is already expired at now, is rejected.
func DecodeDescriptor(data []byte, now time.Time) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidDescriptor, err)
	}
	if d.ID == "" {
		return nil, fmt.Errorf("%w: missing id", errInvalidDescriptor)
	}
	if d.Expired(now) {
		return nil, fmt.Errorf("%w: expired at %s", errInvalidDescriptor, d.ExpirationTime.Format(time.RFC3339))
	}
	return &d, nil
}
