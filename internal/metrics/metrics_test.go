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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsRegistered(t *testing.T) {
	collectors := map[string]prometheus.Collector{
		"DeliveriesTotal":            DeliveriesTotal,
		"DeliveryStatusWriteErrors":  DeliveryStatusWriteErrors,
		"ReconciledMessagesTotal":    ReconciledMessagesTotal,
		"AttachmentsDownloadedTotal": AttachmentsDownloadedTotal,
		"ReconcileDuration":          ReconcileDuration,
		"APIRequestsTotal":           APIRequestsTotal,
		"APIRequestDuration":         APIRequestDuration,
	}
	for name, c := range collectors {
		t.Run(name, func(t *testing.T) {
			assert.NotNil(t, c)
		})
	}
}

func TestDeliveriesCounterByStatus(t *testing.T) {
	before := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("SENT"))
	DeliveriesTotal.WithLabelValues("SENT").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(DeliveriesTotal.WithLabelValues("SENT")))
}

func TestAPIRequestLabels(t *testing.T) {
	APIRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	APIRequestDuration.WithLabelValues("GET", "/health").Observe(0.01)
}
