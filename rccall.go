/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package rccall wires the call correlation client to the telephony
// push-notification subscription.
//
// Simple usage:
//
//	rc := rccall.New(rccall.Options{
//		Webphone:      webphone,
//		CallControl:   callControl,
//		Notifications: wsnotify.New(&wsnotify.Config{URL: wsURL}),
//	})
//	rc.Emitter.On("new", handler)
//	if err := rc.Start(ctx); err != nil { ... }
//	defer rc.Dispose(ctx)
package rccall

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/tejzpr/ringcentral-call-go/calling"
	"github.com/tejzpr/ringcentral-call-go/subscription"
)

// Options configures a RingCentralCall. Every transport is optional.
type Options struct {
	// Logger receives structured logs (default: logrus.StandardLogger())
	Logger logrus.FieldLogger

	// DeviceID is used by call-control answer and ignore requests
	DeviceID string

	Webphone    calling.Webphone
	CallControl calling.CallControl

	// Notifications feeds telephony events to CallControl. It is only
	// used together with CallControl.
	Notifications subscription.Transport

	// Cache stores the subscription descriptor (default: in memory)
	Cache subscription.Cache

	// Auth gates subscription recovery, nil assumes a logged-in session
	Auth subscription.Authenticator

	// Subscription overrides the subscription manager configuration
	Subscription *subscription.Config
}

// RingCentralCall is the top-level client: a calling.Client plus the
// subscription that keeps its call-control events flowing.
type RingCentralCall struct {
	*calling.Client

	subscription *subscription.Manager
}

// New creates a RingCentralCall. Start must be called to register the
// push-notification subscription.
func New(opts Options) *RingCentralCall {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	rc := &RingCentralCall{}
	transports := calling.Transports{
		Webphone:    opts.Webphone,
		CallControl: opts.CallControl,
	}

	if opts.Notifications != nil && opts.CallControl != nil {
		cfg := subscription.DefaultConfig()
		if opts.Subscription != nil {
			c := *opts.Subscription
			cfg = &c
		}
		if cfg.Logger == nil {
			cfg.Logger = logger
		}
		cache := opts.Cache
		if cache == nil {
			cache = subscription.NewMemoryCache()
		}
		rc.subscription = subscription.NewManager(cfg, opts.Notifications, cache, opts.Auth, opts.CallControl)
		transports.Subscription = rc.subscription
	}

	rc.Client = calling.NewClient(&calling.Config{Logger: logger, DeviceID: opts.DeviceID}, transports)
	return rc
}

// Start registers the push-notification subscription. Without one it does
// nothing.
func (rc *RingCentralCall) Start(ctx context.Context) error {
	if rc.subscription == nil {
		return nil
	}
	return rc.subscription.Start(ctx)
}

// Subscription returns the subscription manager, nil without notifications
func (rc *RingCentralCall) Subscription() *subscription.Manager {
	return rc.subscription
}
