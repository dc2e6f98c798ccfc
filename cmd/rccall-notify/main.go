/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Command rccall-notify registers a telephony-sessions subscription over the
// websocket notification channel and logs every notification it receives.
//
// Environment (a .env file in the working directory is loaded if present):
//
//	RC_WS_URL          websocket URL (required)
//	RC_WS_TOKEN        websocket access token
//	RCCALL_REDIS_ADDR  cache the subscription in Redis instead of memory
//	RCCALL_CACHE_KEY   cache key (default rc-call-subscription-key)
//	RCCALL_LOG_LEVEL   logrus level (default info)
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/tejzpr/ringcentral-call-go/subscription"
	"github.com/tejzpr/ringcentral-call-go/wsnotify"
)

type logSink struct {
	log   logrus.FieldLogger
	count atomic.Int64
}

func (s *logSink) OnNotificationEvent(payload json.RawMessage) {
	n := s.count.Add(1)
	var msg struct {
		Event string `json:"event"`
		Body  struct {
			TelephonySessionID string `json:"telephonySessionId"`
			SequenceNumber     int    `json:"sequence"`
		} `json:"body"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.log.WithError(err).Warn("Undecodable notification")
		return
	}
	s.log.WithFields(logrus.Fields{
		"n":                  n,
		"event":              msg.Event,
		"telephonySessionId": msg.Body.TelephonySessionID,
		"sequence":           msg.Body.SequenceNumber,
	}).Info("Notification")
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("Failed to load .env")
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl := os.Getenv("RCCALL_LOG_LEVEL"); lvl != "" {
		level, err := logrus.ParseLevel(lvl)
		if err != nil {
			log.WithError(err).Fatal("Invalid RCCALL_LOG_LEVEL")
		}
		log.SetLevel(level)
	}

	wsURL := os.Getenv("RC_WS_URL")
	if wsURL == "" {
		log.Fatal("RC_WS_URL env var required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var cache subscription.Cache = subscription.NewMemoryCache()
	if addr := os.Getenv("RCCALL_REDIS_ADDR"); addr != "" {
		rdb, err := subscription.OpenRedis(ctx, subscription.RedisConfig{
			Addr:     addr,
			Password: os.Getenv("RCCALL_REDIS_PASSWORD"),
		})
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer rdb.Close()
		cache = subscription.NewRedisCache(rdb, 24*time.Hour)
		log.WithField("addr", addr).Info("Caching subscription in Redis")
	}

	transport := wsnotify.New(&wsnotify.Config{
		URL:    wsURL,
		Token:  os.Getenv("RC_WS_TOKEN"),
		Logger: log.WithField("component", "wsnotify"),
	})

	cfg := subscription.DefaultConfig()
	cfg.Logger = log.WithField("component", "subscription")
	if key := os.Getenv("RCCALL_CACHE_KEY"); key != "" {
		cfg.CacheKey = key
	}

	sink := &logSink{log: log}
	mgr := subscription.NewManager(cfg, transport, cache, nil, sink)
	mgr.On(subscription.EventReady, func(data interface{}) {
		if d, ok := data.(*subscription.Descriptor); ok && d != nil {
			log.WithFields(logrus.Fields{
				"subscriptionId": d.ID,
				"expires":        d.ExpirationTime.Format(time.RFC3339),
			}).Info("Subscription ready")
		}
	})
	mgr.On(subscription.EventError, func(data interface{}) {
		log.WithField("error", data).Warn("Subscription error, recovering")
	})

	if err := mgr.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start subscription")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.WithField("notifications", sink.count.Load()).Info("Shutting down")
	mgr.Stop()
	if err := transport.Disconnect(); err != nil {
		log.WithError(err).Warn("Disconnect failed")
	}
}
