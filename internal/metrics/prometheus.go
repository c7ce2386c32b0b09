package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "swotrace"

var (
	bytesInDesc = prometheus.NewDesc(namespace+"_input_bytes_total",
		"Total number of trace bytes read", nil, nil)
	framesDesc = prometheus.NewDesc(namespace+"_frames_total",
		"Total number of TPIU or orbflow frames unpacked", nil, nil)
	framingErrorsDesc = prometheus.NewDesc(namespace+"_framing_errors_total",
		"Total number of malformed frames", nil, nil)
	frontEndDroppedDesc = prometheus.NewDesc(namespace+"_frontend_dropped_bytes_total",
		"Total number of bytes dropped by the deframer", []string{"reason"}, nil)

	chanBytesDesc = prometheus.NewDesc(namespace+"_channel_bytes_total",
		"Total number of bytes decoded per channel", []string{"channel"}, nil)
	chanPacketsDesc = prometheus.NewDesc(namespace+"_channel_packets_total",
		"Total number of ITM packets decoded per channel", []string{"channel", "type"}, nil)
	chanLostDesc = prometheus.NewDesc(namespace+"_channel_lost_bytes_total",
		"Total number of bytes discarded while out of sync per channel", []string{"channel"}, nil)
	chanErrorsDesc = prometheus.NewDesc(namespace+"_channel_protocol_errors_total",
		"Total number of protocol errors per channel", []string{"channel"}, nil)
	chanEventsDesc = prometheus.NewDesc(namespace+"_channel_events_total",
		"Total number of events produced per channel", []string{"channel"}, nil)
	chanAmbiguousDesc = prometheus.NewDesc(namespace+"_channel_ambiguous_events_total",
		"Total number of events released without a following timestamp", []string{"channel"}, nil)

	diagnosticsDesc = prometheus.NewDesc(namespace+"_diagnostics_total",
		"Total number of diagnostics reported", []string{"kind"}, nil)
)

// Exporter presents a Collector's snapshot as Prometheus metrics.
type Exporter struct {
	c *Collector
}

func NewExporter(c *Collector) *Exporter {
	return &Exporter{c: c}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		bytesInDesc, framesDesc, framingErrorsDesc, frontEndDroppedDesc,
		chanBytesDesc, chanPacketsDesc, chanLostDesc, chanErrorsDesc, chanEventsDesc, chanAmbiguousDesc,
		diagnosticsDesc,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.c.Snapshot()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	fe := s.FrontEnd
	counter(bytesInDesc, fe.BytesIn)
	counter(framesDesc, fe.Frames)
	counter(framingErrorsDesc, fe.FramingErrors+fe.BadFrames)
	counter(frontEndDroppedDesc, fe.PaddingBytes, "padding")
	counter(frontEndDroppedDesc, fe.SyncBytes, "sync")
	counter(frontEndDroppedDesc, fe.UnsyncedBytes, "unsynced")
	counter(frontEndDroppedDesc, fe.DroppedBytes, "filtered")

	for _, c := range s.Channels {
		id := fmt.Sprintf("%d", c.Channel)
		counter(chanBytesDesc, c.BytesIn, id)
		counter(chanPacketsDesc, c.Syncs, id, "sync")
		counter(chanPacketsDesc, c.Overflows, id, "overflow")
		counter(chanPacketsDesc, c.SWITPackets, id, "swit")
		counter(chanPacketsDesc, c.DWTPackets, id, "dwt")
		counter(chanPacketsDesc, c.Timestamps, id, "timestamp")
		counter(chanLostDesc, c.BytesLost, id)
		counter(chanErrorsDesc, c.ProtocolErrors, id)
		counter(chanEventsDesc, c.Events, id)
		counter(chanAmbiguousDesc, c.Ambiguous, id)
	}

	for kind, v := range s.Diagnostics {
		counter(diagnosticsDesc, v, kind)
	}
}

// NewRegistry builds a registry exposing the collector together with the
// Go runtime and process metrics.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewExporter(c),
	)

	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels",
			Help:      "Number of trace channels seen by the session",
		},
		func() float64 { return float64(len(c.Snapshot().Channels)) },
	)
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_out",
			Help:      "Number of events delivered to the sink",
		},
		func() float64 { return float64(c.Snapshot().EventsOut) },
	)
	return reg
}
