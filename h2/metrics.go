// Copyright 2025 The slabd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package h2

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/slabd/slabd/common"
)

var (
	framesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "h2_frames_received_total",
			Help:      "HTTP/2 frames received total",
		},
		[]string{"type"},
	)

	framesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "h2_frames_sent_total",
			Help:      "HTTP/2 frames sent total",
		},
		[]string{"type"},
	)

	streamsOpenedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "h2_streams_opened_total",
			Help:      "HTTP/2 streams opened total",
		},
	)

	streamsResetTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "h2_streams_reset_total",
			Help:      "HTTP/2 streams reset total",
		},
	)

	goawaySentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "h2_goaway_sent_total",
			Help:      "HTTP/2 GOAWAY frames sent total",
		},
		[]string{"code"},
	)

	connsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "h2_connections_active",
			Help:      "HTTP/2 active connections",
		},
	)
)
