/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package notify

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// Notifier receives recoverable failures.
type Notifier interface {
	Error(ctx context.Context, title string, err error)
}

// deliveryTimeout bounds how long a report may spend on external channels.
const deliveryTimeout = 5 * time.Second

// Reporter logs reported failures and forwards them through a Router.
type Reporter struct {
	dashboardUID string
	router       *Router
	log          logr.Logger
}

// NewReporter creates a Reporter. router may be nil to only log.
func NewReporter(router *Router, log logr.Logger) *Reporter {
	return &Reporter{router: router, log: log}
}

// ForDashboard returns a Reporter that tags messages with a dashboard UID.
func (r *Reporter) ForDashboard(uid string) *Reporter {
	out := *r
	out.dashboardUID = uid
	out.log = r.log.WithValues("dashboard", uid)
	return &out
}

// Error implements Notifier. Delivery is detached from ctx so a report made
// while a run is being cancelled still goes out.
func (r *Reporter) Error(ctx context.Context, title string, err error) {
	if err == nil {
		return
	}
	r.log.Error(err, title)
	if r.router == nil {
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()
	r.router.Notify(sendCtx, Message{
		DashboardUID: r.dashboardUID,
		Level:        "error",
		Title:        title,
		Body:         err.Error(),
		Timestamp:    time.Now().UTC(),
	})
}

// Discard is a Notifier that drops every report.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Error(context.Context, string, error) {}
