// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the service's Prometheus collectors. They register
// with the default registry and are served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery metrics
var (
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordermail_deliveries_total",
			Help: "Tracked outbound sends by terminal status",
		},
		[]string{"status"}, // SENT, FAILED
	)

	DeliveryStatusWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ordermail_delivery_status_write_errors_total",
			Help: "Terminal status writes that failed",
		},
	)
)

// Reconciliation metrics
var (
	ReconciledMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordermail_reconciled_messages_total",
			Help: "Messages processed by attachment reconciliation",
		},
		[]string{"result"}, // ok, partial, skipped, error
	)

	AttachmentsDownloadedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ordermail_attachments_downloaded_total",
			Help: "Attachments fetched from the provider and stored",
		},
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ordermail_reconcile_duration_seconds",
			Help:    "Duration of one message reconciliation",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// API metrics
var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordermail_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ordermail_api_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
