package server

import (
	"errors"

	"github.com/awinterman/respwire/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the decoders saw. Each Metrics has its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	frames       *prometheus.CounterVec
	serverErrors *prometheus.CounterVec
	failures     *prometheus.CounterVec
	bytes        prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "respwire",
				Subsystem: "decoder",
				Name:      "frames_total",
				Help:      "Frames decoded, by reply type.",
			},
			[]string{"type"},
		),
		serverErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "respwire",
				Subsystem: "decoder",
				Name:      "server_errors_total",
				Help:      "Error frames decoded, by error kind.",
			},
			[]string{"kind"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "respwire",
				Subsystem: "decoder",
				Name:      "failures_total",
				Help:      "Streams abandoned, by reason.",
			},
			[]string{"reason"},
		),
		bytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "respwire",
				Subsystem: "decoder",
				Name:      "bytes_total",
				Help:      "Bytes of decoded frames.",
			},
		),
	}
	m.Registry.MustRegister(m.frames, m.serverErrors, m.failures, m.bytes)
	return m
}

// Observe records one decode result. n is the size of the frame on the wire.
func (m *Metrics) Observe(v protocol.Value, err error, n int) {
	var se *protocol.ServerError
	switch {
	case err == nil:
		m.frames.WithLabelValues(v.Type.String()).Inc()
	case errors.As(err, &se):
		m.serverErrors.WithLabelValues(se.Kind.String()).Inc()
	default:
		m.failures.WithLabelValues(reason(err)).Inc()
		return
	}
	m.bytes.Add(float64(n))
}

func reason(err error) string {
	if errors.Is(err, protocol.ErrMalformed) {
		return "malformed"
	}
	return "io"
}
