// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// jiscordNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	jiscordNamespace = "jiscord"
	gatewaySubsystem = "gateway"

	opLabelName           = "op"
	reasonLabelName       = "reason"
	eventLabelName        = "event"
	statusLabelName       = "status"
	collaboratorLabelName = "collaborator"
)

// 状态标签取值。
const (
	SuccessLabel = "success"
	FailLabel    = "fail"
)

var (
	// buckets 为请求耗时直方图的桶划分，单位为毫秒。
	// [1 2 4 8 16 32 64 128 256 512 1024 2048 4096 8192]
	buckets = prometheus.ExponentialBuckets(1, 2, 14)

	GatewaySessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: jiscordNamespace,
		Subsystem: gatewaySubsystem,
		Name:      "sessions",
		Help:      "当前注册表中的会话数",
	})

	GatewayIdentifiedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: jiscordNamespace,
		Subsystem: gatewaySubsystem,
		Name:      "identified_sessions",
		Help:      "已完成 IDENTIFY 的会话数",
	})

	GatewayChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: jiscordNamespace,
		Subsystem: gatewaySubsystem,
		Name:      "channels",
		Help:      "至少有一个本地订阅者的频道数",
	})

	GatewayConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: jiscordNamespace,
		Subsystem: gatewaySubsystem,
		Name:      "connections_total",
		Help:      "累计接入的 WebSocket 连接数",
	})

	GatewayCommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: jiscordNamespace,
		Subsystem: gatewaySubsystem,
		Name:      "commands_total",
		Help:      "按 op 统计的客户端命令数",
	}, []string{opLabelName})

	GatewayProtocolViolationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: jiscordNamespace,
		Subsystem: gatewaySubsystem,
		Name:      "protocol_violations_total",
		Help:      "被忽略的非法帧或越权命令数",
	}, []string{reasonLabelName})

	GatewayEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: jiscordNamespace,
		Subsystem: gatewaySubsystem,
		Name:      "evictions_total",
		Help:      "被强制驱逐的会话数",
	}, []string{reasonLabelName})

	GatewayPublishedEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: jiscordNamespace,
		Subsystem: gatewaySubsystem,
		Name:      "published_events_total",
		Help:      "发布到 broker 的事件数",
	}, []string{eventLabelName, statusLabelName})

	GatewayDeliveredFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: jiscordNamespace,
		Subsystem: gatewaySubsystem,
		Name:      "delivered_frames_total",
		Help:      "投递给本地会话的帧数",
	}, []string{opLabelName})

	GatewayDroppedFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: jiscordNamespace,
		Subsystem: gatewaySubsystem,
		Name:      "dropped_frames_total",
		Help:      "未能写入会话发送队列的帧数",
	}, []string{reasonLabelName})

	GatewayDroppedMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: jiscordNamespace,
		Subsystem: gatewaySubsystem,
		Name:      "dropped_messages_total",
		Help:      "因存储失败被静默丢弃的 SEND_MESSAGE 数",
	})

	GatewayCollaboratorLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: jiscordNamespace,
		Subsystem: gatewaySubsystem,
		Name:      "collaborator_latency_ms",
		Help:      "外部协作服务调用耗时，单位毫秒",
		Buckets:   buckets,
	}, []string{collaboratorLabelName, statusLabelName})

	metricRegisterer prometheus.Registerer
	registerOnce     sync.Once
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册网关的全部指标，重复调用只生效一次。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(GatewaySessions)
		r.MustRegister(GatewayIdentifiedSessions)
		r.MustRegister(GatewayChannels)
		r.MustRegister(GatewayConnectionsTotal)
		r.MustRegister(GatewayCommandsTotal)
		r.MustRegister(GatewayProtocolViolationsTotal)
		r.MustRegister(GatewayEvictionsTotal)
		r.MustRegister(GatewayPublishedEventsTotal)
		r.MustRegister(GatewayDeliveredFramesTotal)
		r.MustRegister(GatewayDroppedFramesTotal)
		r.MustRegister(GatewayDroppedMessagesTotal)
		r.MustRegister(GatewayCollaboratorLatency)
		metricRegisterer = r
	})
}
