// Copyright 2025 The packetd Authors
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

package download

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/packetd/lwm2m/common"
)

var (
	activeTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "download_active_transfers",
			Help:      "Currently active downloads",
		},
	)

	bytesTransferredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "download_bytes_transferred_total",
			Help:      "Bytes delivered to download callbacks",
		},
		[]string{"transport"},
	)

	finishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "download_finished_total",
			Help:      "Finished downloads by terminal status",
		},
		[]string{"transport", "status"},
	)

	buildInfoGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "build_info",
			Help:      "Embedder build metadata, value is always 1",
		},
		[]string{"version", "git_hash", "time"},
	)
)

// RecordBuildInfo 把嵌入方的构建信息暴露为一个常量为 1 的带标签 gauge 供 Prometheus
// 抓取方按 version/git_hash/time 标签聚合 embedder 通常在进程启动时调用一次
func RecordBuildInfo(bi common.BuildInfo) {
	buildInfoGauge.Reset()
	buildInfoGauge.WithLabelValues(bi.Version, bi.GitHash, bi.Time).Set(1)
}

func statusLabel(kind StatusKind) string {
	switch kind {
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	case StatusInvalidResponse:
		return "invalid_response"
	case StatusExpired:
		return "expired"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}
