package realtime

import "sync/atomic"

type MetricsSnapshot struct {
	Connections      int64
	EnvelopesSent    int64
	EnvelopesDropped int64
}

type Metrics struct {
	connections      atomic.Int64
	envelopesSent    atomic.Int64
	envelopesDropped atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordConnection(delta int) {
	m.connections.Add(int64(delta))
}

func (m *Metrics) RecordSent(delta int) {
	m.envelopesSent.Add(int64(delta))
}

func (m *Metrics) RecordDropped(delta int) {
	m.envelopesDropped.Add(int64(delta))
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Connections:      m.connections.Load(),
		EnvelopesSent:    m.envelopesSent.Load(),
		EnvelopesDropped: m.envelopesDropped.Load(),
	}
}
