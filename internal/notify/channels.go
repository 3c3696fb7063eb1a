/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package notify is the error side channel of the query engine. Workers and
// annotation runners report recoverable failures here instead of failing the
// dashboard; the notifier logs them and forwards them to external channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/dashquery/internal/metrics"
)

// Channel is the interface for all notification backends.
type Channel interface {
	// Send delivers a notification. Returns an error if delivery fails.
	Send(ctx context.Context, msg Message) error

	// Type returns the channel type name.
	Type() string
}

// Message is a notification to be delivered.
type Message struct {
	DashboardUID string
	Level        string // warning, error
	Title        string
	Body         string
	Timestamp    time.Time
}

// --- Slack ---

// SlackChannel sends notifications to Slack via webhook.
type SlackChannel struct {
	WebhookURL string
	Channel    string // optional override
	client     *http.Client
}

// NewSlackChannel creates a Slack notification channel.
func NewSlackChannel(webhookURL, channel string) *SlackChannel {
	return &SlackChannel{
		WebhookURL: webhookURL,
		Channel:    channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackChannel) Type() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("*[%s] %s*: %s", strings.ToUpper(msg.Level), msg.Title, msg.Body)
	if msg.DashboardUID != "" {
		text += fmt.Sprintf(" (dashboard %s)", msg.DashboardUID)
	}

	payload := map[string]interface{}{
		"text": text,
	}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	return postJSON(ctx, s.client, s.WebhookURL, nil, payload, "slack")
}

// --- Webhook ---

// WebhookChannel sends JSON notifications to any HTTP endpoint.
type WebhookChannel struct {
	URL     string
	Headers map[string]string // optional auth headers
	client  *http.Client
}

// NewWebhookChannel creates a generic webhook notification channel.
func NewWebhookChannel(url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		URL:     url,
		Headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Type() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	payload := map[string]interface{}{
		"dashboard_uid": msg.DashboardUID,
		"level":         msg.Level,
		"title":         msg.Title,
		"body":          msg.Body,
		"timestamp":     msg.Timestamp.Format(time.RFC3339),
	}
	return postJSON(ctx, w.client, w.URL, w.Headers, payload, "webhook")
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any, kind string) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s request: %w", kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s send: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s returned %d: %s", kind, resp.StatusCode, string(respBody))
	}
	return nil
}

// --- Router ---

// Router fans notifications out to every configured channel.
type Router struct {
	channels []Channel
	limiter  *RateLimiter
	log      logr.Logger
}

// NewRouter creates a notification router.
func NewRouter(channels []Channel, limiter *RateLimiter, log logr.Logger) *Router {
	return &Router{channels: channels, limiter: limiter, log: log}
}

// Notify sends a message to all channels.
func (r *Router) Notify(ctx context.Context, msg Message) []error {
	if len(r.channels) == 0 {
		return nil
	}

	key := msg.DashboardUID + "/" + msg.Title
	if r.limiter != nil && !r.limiter.Allow(key) {
		r.log.V(1).Info("notification rate-limited", "dashboard", msg.DashboardUID, "title", msg.Title)
		for _, ch := range r.channels {
			metrics.RecordNotification(ch.Type(), "rate_limited")
		}
		return nil
	}

	var errs []error
	for _, ch := range r.channels {
		if err := ch.Send(ctx, msg); err != nil {
			r.log.Error(err, "notification failed", "type", ch.Type(), "dashboard", msg.DashboardUID)
			metrics.RecordNotification(ch.Type(), "failed")
			errs = append(errs, err)
		} else {
			r.log.V(1).Info("notification sent", "type", ch.Type(), "dashboard", msg.DashboardUID, "level", msg.Level)
			metrics.RecordNotification(ch.Type(), "sent")
		}
	}
	return errs
}

// --- Rate Limiter ---

// RateLimiter limits notifications per key per hour.
type RateLimiter struct {
	maxPerHour int
	mu         sync.Mutex
	counts     map[string][]time.Time
	now        func() time.Time
}

// NewRateLimiter creates a rate limiter with the given max per hour per key.
func NewRateLimiter(maxPerHour int) *RateLimiter {
	return &RateLimiter{
		maxPerHour: maxPerHour,
		counts:     make(map[string][]time.Time),
		now:        time.Now,
	}
}

// Allow checks if key is within rate limits.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-1 * time.Hour)

	recent := make([]time.Time, 0)
	for _, t := range rl.counts[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.maxPerHour {
		rl.counts[key] = recent
		return false
	}

	rl.counts[key] = append(recent, now)
	return true
}
