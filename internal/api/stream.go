package api

import (
	"encoding/json"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jsherman999/domwatch/internal/datasource"
)

var streamDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "domwatch_api_stream_dropped_total",
	Help: "SSE frames dropped because a client fell behind",
})

var streamClients = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "domwatch_api_stream_clients",
	Help: "Connected SSE clients",
})

type frame struct {
	event string
	data  []byte
}

// streamUpdater turns row changes into SSE frames for one client. The buffer
// is bounded and frames are dropped when the client is slow; delivery never
// blocks the watcher.
type streamUpdater struct {
	ch      chan frame
	dropped atomic.Int64
}

var _ datasource.Updater = (*streamUpdater)(nil)

func newStreamUpdater(buf int) *streamUpdater {
	if buf <= 0 {
		buf = 256
	}
	return &streamUpdater{ch: make(chan frame, buf)}
}

func (s *streamUpdater) AddRow(r datasource.Row)    { s.send("add", r) }
func (s *streamUpdater) UpdateRow(r datasource.Row) { s.send("update", r) }
func (s *streamUpdater) RemoveRow(key string) {
	s.send("remove", map[string]string{"key": key})
}

func (s *streamUpdater) send(event string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case s.ch <- frame{event: event, data: b}:
	default:
		s.dropped.Add(1)
		streamDroppedTotal.Inc()
	}
}
