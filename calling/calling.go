/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package calling merges the two views of a RingCentral call, the webphone
// SIP session and the call-control telephony session, into one Session
// and routes call actions to whichever transport backs it.
package calling

import (
	"github.com/sirupsen/logrus"
)

// Config holds configuration for the call Client
type Config struct {
	// Logger receives structured logs (default: logrus.StandardLogger())
	Logger logrus.FieldLogger

	// DeviceID is used by call-control answer and ignore requests when the
	// caller does not name a device
	DeviceID string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Logger: logrus.StandardLogger(),
	}
}

// Transports are the collaborators a Client drives. Any of them may be nil.
type Transports struct {
	Webphone     Webphone
	CallControl  CallControl
	Subscription Notifier
}

func (c *Config) withDefaults() *Config {
	out := DefaultConfig()
	if c == nil {
		return out
	}
	if c.Logger != nil {
		out.Logger = c.Logger
	}
	out.DeviceID = c.DeviceID
	return out
}
