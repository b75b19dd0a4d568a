package monitoring

import (
	"rillcall/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.CallMetrics and ports.RelayMetrics.
type PrometheusCollector struct {
	// Call quality
	qualityScore    *prometheus.GaugeVec
	qualityClass    *prometheus.CounterVec
	roundTripTime   prometheus.Histogram
	fractionLost    prometheus.Histogram
	inboundBitrate  *prometheus.GaugeVec
	currentProfile  prometheus.Gauge
	adaptations     *prometheus.CounterVec
	reconnections   *prometheus.CounterVec
	healthState     *prometheus.GaugeVec
	callState       *prometheus.CounterVec
	signalingTotal  *prometheus.CounterVec
	signalingErrors *prometheus.CounterVec

	// Relay server
	relayConnections prometheus.Gauge
	relayFrames      *prometheus.CounterVec
	relayDrops       *prometheus.CounterVec
	relayTopics      prometheus.Gauge
}

var healthStates = []domain.HealthState{
	domain.HealthHealthy, domain.HealthDegraded, domain.HealthFailing, domain.HealthFailed,
}

// NewPrometheusCollector registers every metric on reg; a nil reg means the
// default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		qualityScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rillcall_quality_score",
			Help: "Latest quality score (0-100) per media kind",
		}, []string{"kind"}),

		qualityClass: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_quality_readings_total",
			Help: "Quality readings by overall classification",
		}, []string{"class"}),

		roundTripTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rillcall_round_trip_time_seconds",
			Help:    "Round-trip time reported for the media path",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1, 2},
		}),

		fractionLost: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rillcall_fraction_lost",
			Help:    "Inbound audio packet loss fraction per sample",
			Buckets: []float64{0.001, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
		}),

		inboundBitrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rillcall_inbound_bitrate_bps",
			Help: "Inbound bitrate per media kind in bits per second",
		}, []string{"kind"}),

		currentProfile: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcall_profile_level",
			Help: "Level of the applied quality profile (-1 for audio only)",
		}),

		adaptations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_adaptations_total",
			Help: "Quality profile changes by direction",
		}, []string{"type", "to"}),

		reconnections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_reconnections_total",
			Help: "Reconnection status updates by phase",
		}, []string{"phase"}),

		healthState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rillcall_connection_health",
			Help: "1 for the current connection health state",
		}, []string{"state"}),

		callState: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_call_state_transitions_total",
			Help: "Call state transitions by target state",
		}, []string{"state"}),

		signalingTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_signaling_messages_total",
			Help: "Signaling messages by direction and type",
		}, []string{"direction", "type"}),

		signalingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_signaling_errors_total",
			Help: "Signaling failures by stage",
		}, []string{"stage"}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcall_relay_connections",
			Help: "Open relay websocket connections",
		}),

		relayFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_relay_frames_total",
			Help: "Relay frames received by operation",
		}, []string{"op"}),

		relayDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_relay_dropped_total",
			Help: "Relay frames dropped by reason",
		}, []string{"reason"}),

		relayTopics: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcall_relay_topics",
			Help: "Topics with at least one subscriber",
		}),
	}
}

func (p *PrometheusCollector) RecordQuality(m domain.QualityMetrics) {
	p.qualityClass.WithLabelValues(string(m.Overall)).Inc()
	p.qualityScore.WithLabelValues(string(domain.MediaAudio)).Set(m.AudioScore)
	p.inboundBitrate.WithLabelValues(string(domain.MediaAudio)).Set(m.Audio.Bitrate)
	if m.Video != nil {
		p.qualityScore.WithLabelValues(string(domain.MediaVideo)).Set(m.VideoScore)
		p.inboundBitrate.WithLabelValues(string(domain.MediaVideo)).Set(m.Video.Bitrate)
	}
	if m.Overall == domain.QualityDisconnected {
		return
	}
	if m.Audio.RoundTripTime > 0 {
		p.roundTripTime.Observe(m.Audio.RoundTripTime / 1000)
	}
	p.fractionLost.Observe(m.Audio.FractionLost)
}

func (p *PrometheusCollector) RecordProfile(profile domain.QualityProfile) {
	if profile.IsAudioOnly() {
		p.currentProfile.Set(-1)
		return
	}
	p.currentProfile.Set(float64(profile.Level))
}

func (p *PrometheusCollector) RecordAdaptation(ev domain.AdaptationEvent) {
	p.adaptations.WithLabelValues(string(ev.Type), ev.To).Inc()
}

func (p *PrometheusCollector) RecordReconnection(status domain.ReconnectionStatus) {
	p.reconnections.WithLabelValues(string(status.Phase)).Inc()
}

func (p *PrometheusCollector) RecordHealthState(state domain.HealthState) {
	for _, s := range healthStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.healthState.WithLabelValues(string(s)).Set(v)
	}
}

func (p *PrometheusCollector) RecordCallState(state domain.CallState) {
	p.callState.WithLabelValues(string(state)).Inc()
}

func (p *PrometheusCollector) RecordSignalingMessage(direction string, msgType domain.MessageType) {
	p.signalingTotal.WithLabelValues(direction, string(msgType)).Inc()
}

func (p *PrometheusCollector) RecordSignalingError(stage string) {
	p.signalingErrors.WithLabelValues(stage).Inc()
}

func (p *PrometheusCollector) RecordRelayConnection(delta int) {
	p.relayConnections.Add(float64(delta))
}

func (p *PrometheusCollector) RecordRelayFrame(op string) {
	p.relayFrames.WithLabelValues(op).Inc()
}

func (p *PrometheusCollector) RecordRelayDrop(reason string) {
	p.relayDrops.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) SetRelayTopics(n int) {
	p.relayTopics.Set(float64(n))
}
