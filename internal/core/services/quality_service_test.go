package services

import (
	"testing"

	"rillcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestQualityService_Score(t *testing.T) {
	qs := NewQualityService()

	tests := []struct {
		name  string
		stats domain.NetworkStats
		want  float64
	}{
		{
			name:  "clean video",
			stats: domain.NetworkStats{Bitrate: 1_000_000, RoundTripTime: 40, Jitter: 0.01},
			want:  100,
		},
		{
			name:  "moderate loss",
			stats: domain.NetworkStats{Bitrate: 1_000_000, FractionLost: 0.03},
			want:  85,
		},
		{
			name:  "heavy loss caps at 50",
			stats: domain.NetworkStats{Bitrate: 1_000_000, FractionLost: 0.2},
			want:  50,
		},
		{
			name:  "rtt between 100 and 200",
			stats: domain.NetworkStats{Bitrate: 1_000_000, RoundTripTime: 150},
			want:  95,
		},
		{
			name:  "rtt far above 200 caps at 30",
			stats: domain.NetworkStats{Bitrate: 1_000_000, RoundTripTime: 900},
			want:  70,
		},
		{
			name:  "starved audio",
			stats: domain.NetworkStats{Bitrate: 10_000},
			want:  85,
		},
		{
			name:  "jitter",
			stats: domain.NetworkStats{Bitrate: 1_000_000, Jitter: 0.04},
			want:  90,
		},
		{
			name:  "floored at zero",
			stats: domain.NetworkStats{Bitrate: 0, FractionLost: 0.5, RoundTripTime: 2000, Jitter: 1},
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, qs.Score(tt.stats), 0.001)
		})
	}
}

func TestQualityService_ScoreMonotonic(t *testing.T) {
	qs := NewQualityService()
	base := domain.NetworkStats{Bitrate: 800_000, Jitter: 0.02}

	prev := 101.0
	for loss := 0.0; loss <= 0.3; loss += 0.001 {
		s := base
		s.FractionLost = loss
		score := qs.Score(s)
		assert.LessOrEqual(t, score, prev, "loss=%.3f", loss)
		prev = score
	}

	prev = 101.0
	for rtt := 0.0; rtt <= 1000; rtt += 0.5 {
		s := base
		s.RoundTripTime = rtt
		score := qs.Score(s)
		assert.LessOrEqual(t, score, prev, "rtt=%.1f", rtt)
		prev = score
	}
}

func TestQualityService_Classify(t *testing.T) {
	qs := NewQualityService()
	cases := map[float64]domain.QualityClass{
		100: domain.QualityExcellent,
		80:  domain.QualityExcellent,
		79:  domain.QualityGood,
		60:  domain.QualityGood,
		45:  domain.QualityFair,
		20:  domain.QualityPoor,
		19:  domain.QualityDisconnected,
		0:   domain.QualityDisconnected,
	}
	for score, want := range cases {
		assert.Equal(t, want, qs.Classify(score), "score %.0f", score)
	}
}

func TestQualityService_EvaluateWorstWins(t *testing.T) {
	qs := NewQualityService()
	m := domain.QualityMetrics{
		Audio: domain.NetworkStats{Bitrate: 40_000},
		Video: &domain.NetworkStats{Bitrate: 900_000, FractionLost: 0.1},
	}
	qs.Evaluate(&m)

	assert.Equal(t, 100.0, m.AudioScore)
	assert.Equal(t, 50.0, m.VideoScore)
	assert.Equal(t, domain.QualityFair, m.Overall)
}

func TestQualityService_EvaluateNoMediaIsDisconnected(t *testing.T) {
	qs := NewQualityService()
	m := domain.QualityMetrics{
		Audio: domain.NetworkStats{},
		Video: &domain.NetworkStats{},
	}
	qs.Evaluate(&m)

	assert.Equal(t, domain.QualityDisconnected, m.Overall)
	assert.Zero(t, m.AudioScore)
	assert.Zero(t, m.VideoScore)
}
