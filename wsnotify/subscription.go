/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package wsnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tejzpr/ringcentral-call-go/subscription"
)

const (
	subscriptionPath = "/restapi/v1.0/subscription"
	transportType    = "WebSocket"
)

var _ subscription.Transport = (*Client)(nil)

type subscribeRequest struct {
	EventFilters []string                  `json:"eventFilters"`
	DeliveryMode subscription.DeliveryMode `json:"deliveryMode"`
}

// SetEventFilters sets the filters used by the next subscribe
func (c *Client) SetEventFilters(filters []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append([]string(nil), filters...)
}

// SetDescriptor adopts an existing subscription, e.g. one restored from a
// cache. The next Register renews it instead of creating a new one.
func (c *Client) SetDescriptor(d *subscription.Descriptor) error {
	if d == nil || d.ID == "" {
		return errors.New("subscription descriptor has no id")
	}
	if d.Expired(c.now()) {
		return fmt.Errorf("subscription %s expired", d.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.descriptor = d.Clone()
	c.filters = append([]string(nil), d.EventFilters...)
	return nil
}

// Descriptor returns a copy of the current subscription, nil when there is
// none
func (c *Client) Descriptor() *subscription.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.descriptor.Clone()
}

// Register connects if needed, then renews the current subscription or
// creates one from the event filters. The outcome is also emitted as
// subscribeSuccess/subscribeError or renewSuccess/renewError.
func (c *Client) Register(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		c.Emit(subscription.TransportEventSubscribeError, err)
		return err
	}

	c.mu.Lock()
	renewable := c.descriptor != nil && !c.descriptor.Expired(c.now())
	c.mu.Unlock()
	if renewable {
		return c.renew(ctx, false)
	}
	return c.subscribe(ctx)
}

// Reset drops the current subscription. Deleting it on the server is best
// effort.
func (c *Client) Reset(ctx context.Context) error {
	c.mu.Lock()
	c.stopRenewLocked()
	d := c.descriptor
	c.descriptor = nil
	connected := c.connected
	c.mu.Unlock()

	if d == nil || !connected {
		return nil
	}
	if _, err := c.request(ctx, "DELETE", subscriptionPath+"/"+d.ID, nil); err != nil && !IsNotFound(err) {
		c.log.WithError(err).WithField("subscriptionId", d.ID).Debug("Failed to delete subscription")
	}
	return nil
}

// Resubscribe replaces the current subscription with a new one for the
// same event filters.
func (c *Client) Resubscribe(ctx context.Context) error {
	c.mu.Lock()
	filters := c.filters
	if c.descriptor != nil && len(c.descriptor.EventFilters) > 0 {
		filters = c.descriptor.EventFilters
	}
	filters = append([]string(nil), filters...)
	c.mu.Unlock()

	if err := c.Reset(ctx); err != nil {
		return err
	}
	c.SetEventFilters(filters)
	return c.Register(ctx)
}

func (c *Client) subscribe(ctx context.Context) error {
	c.mu.Lock()
	filters := append([]string(nil), c.filters...)
	c.mu.Unlock()
	if len(filters) == 0 {
		c.Emit(subscription.TransportEventSubscribeError, ErrNoEventFilters)
		return ErrNoEventFilters
	}

	body, err := c.request(ctx, "POST", subscriptionPath, subscribeRequest{
		EventFilters: filters,
		DeliveryMode: subscription.DeliveryMode{TransportType: transportType},
	})
	if err == nil {
		err = c.adopt(body)
	}
	if err != nil {
		c.log.WithError(err).Warn("Subscribe failed")
		c.Emit(subscription.TransportEventSubscribeError, err)
		return err
	}
	c.Emit(subscription.TransportEventSubscribeSuccess, c.Descriptor())
	return nil
}

// renew extends the current subscription. Failures of a renew the client
// started itself are reported as automaticRenewError.
func (c *Client) renew(ctx context.Context, automatic bool) error {
	c.mu.Lock()
	d := c.descriptor
	c.mu.Unlock()
	if d == nil {
		return c.subscribe(ctx)
	}

	body, err := c.request(ctx, "POST", subscriptionPath+"/"+d.ID+"/renew", nil)
	if err == nil {
		err = c.adopt(body)
	}
	if err != nil {
		event := subscription.TransportEventRenewError
		if automatic {
			event = subscription.TransportEventAutomaticRenewError
		}
		c.log.WithError(err).WithField("automatic", automatic).Warn("Renew failed")
		c.Emit(event, err)
		return err
	}
	c.Emit(subscription.TransportEventRenewSuccess, c.Descriptor())
	return nil
}

// adopt stores the subscription returned by the server and schedules its
// renewal.
func (c *Client) adopt(body json.RawMessage) error {
	var d subscription.Descriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return fmt.Errorf("invalid subscription response: %w", err)
	}
	if d.ID == "" {
		return errors.New("subscription response has no id")
	}
	if d.ExpirationTime.IsZero() && d.ExpiresIn > 0 {
		d.ExpirationTime = c.now().Add(time.Duration(d.ExpiresIn) * time.Second)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.descriptor = &d
	if len(d.EventFilters) > 0 {
		c.filters = append([]string(nil), d.EventFilters...)
	}
	c.scheduleRenewLocked(d.ExpirationTime)
	return nil
}

func (c *Client) scheduleRenewLocked(expiration time.Time) {
	c.stopRenewLocked()
	if expiration.IsZero() {
		return
	}
	delay := expiration.Sub(c.now()) - c.config.RenewHandicap
	if delay < 0 {
		delay = 0
	}
	c.renewTimer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
		defer cancel()
		_ = c.renew(ctx, true)
	})
}

func (c *Client) stopRenewLocked() {
	if c.renewTimer != nil {
		c.renewTimer.Stop()
		c.renewTimer = nil
	}
}
