package middleware

import (
	"maps"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tailored-agentic-units/messagebus/messaging"
)

// Statistics is a snapshot of the middleware counters.
type Statistics struct {
	MessagesSent     int64 `json:"messages_sent"`
	MessagesReceived int64 `json:"messages_received"`
	SendErrors       int64 `json:"send_errors"`
	HandlerFailures  int64 `json:"handler_failures"`

	SentByChannel     map[messaging.ChannelKind]int64 `json:"sent_by_channel"`
	SentByKind        map[messaging.Kind]int64        `json:"sent_by_kind"`
	SentByPriority    map[string]int64                `json:"sent_by_priority"`
	ReceivedByChannel map[messaging.ChannelKind]int64 `json:"received_by_channel"`
	ErrorsByChannel   map[messaging.ChannelKind]int64 `json:"errors_by_channel"`

	Channels       int `json:"channels"`
	Handlers       int `json:"handlers"`
	GlobalHandlers int `json:"global_handlers"`
}

// Metrics keeps in-memory counters for Statistics and mirrors them into a
// Prometheus registry owned by the middleware instance.
type Metrics struct {
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	sendErrors       atomic.Int64
	handlerFailures  atomic.Int64

	mutex             sync.Mutex
	sentByChannel     map[messaging.ChannelKind]int64
	sentByKind        map[messaging.Kind]int64
	sentByPriority    map[string]int64
	receivedByChannel map[messaging.ChannelKind]int64
	errorsByChannel   map[messaging.ChannelKind]int64

	registry      *prometheus.Registry
	sentTotal     *prometheus.CounterVec
	receivedTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry. channels reports
// the current number of registered channels for the gauge.
func NewMetrics(name string, channels func() int) *Metrics {
	labels := prometheus.Labels{"middleware": name}

	m := &Metrics{
		sentByChannel:     make(map[messaging.ChannelKind]int64),
		sentByKind:        make(map[messaging.Kind]int64),
		sentByPriority:    make(map[string]int64),
		receivedByChannel: make(map[messaging.ChannelKind]int64),
		errorsByChannel:   make(map[messaging.ChannelKind]int64),
		registry:          prometheus.NewRegistry(),
		sentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "messagebus_messages_sent_total",
				Help:        "Messages accepted by a channel.",
				ConstLabels: labels,
			},
			[]string{"channel", "kind", "priority"},
		),
		receivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "messagebus_messages_received_total",
				Help:        "Messages handed to receivers.",
				ConstLabels: labels,
			},
			[]string{"channel", "kind"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "messagebus_send_errors_total",
				Help:        "Sends that failed to reach a channel.",
				ConstLabels: labels,
			},
			[]string{"channel"},
		),
	}

	m.registry.MustRegister(
		m.sentTotal,
		m.receivedTotal,
		m.errorsTotal,
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        "messagebus_channels",
				Help:        "Channels registered with the middleware.",
				ConstLabels: labels,
			},
			func() float64 { return float64(channels()) },
		),
	)

	return m
}

func (m *Metrics) recordSent(ch messaging.ChannelKind, msg *messaging.Message) {
	m.messagesSent.Add(1)

	m.mutex.Lock()
	m.sentByChannel[ch]++
	m.sentByKind[msg.Kind]++
	m.sentByPriority[msg.Priority.String()]++
	m.mutex.Unlock()

	m.sentTotal.WithLabelValues(string(ch), string(msg.Kind), msg.Priority.String()).Inc()
}

func (m *Metrics) recordReceived(ch messaging.ChannelKind, msg *messaging.Message) {
	m.messagesReceived.Add(1)

	m.mutex.Lock()
	m.receivedByChannel[ch]++
	m.mutex.Unlock()

	m.receivedTotal.WithLabelValues(string(ch), string(msg.Kind)).Inc()
}

func (m *Metrics) recordError(ch messaging.ChannelKind) {
	m.sendErrors.Add(1)

	m.mutex.Lock()
	m.errorsByChannel[ch]++
	m.mutex.Unlock()

	m.errorsTotal.WithLabelValues(string(ch)).Inc()
}

func (m *Metrics) recordHandlerFailure() {
	m.handlerFailures.Add(1)
}

func (m *Metrics) snapshot() Statistics {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return Statistics{
		MessagesSent:      m.messagesSent.Load(),
		MessagesReceived:  m.messagesReceived.Load(),
		SendErrors:        m.sendErrors.Load(),
		HandlerFailures:   m.handlerFailures.Load(),
		SentByChannel:     maps.Clone(m.sentByChannel),
		SentByKind:        maps.Clone(m.sentByKind),
		SentByPriority:    maps.Clone(m.sentByPriority),
		ReceivedByChannel: maps.Clone(m.receivedByChannel),
		ErrorsByChannel:   maps.Clone(m.errorsByChannel),
	}
}

// Registry returns the Prometheus registry holding this instance's
// collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
