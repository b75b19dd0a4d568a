package services

import (
	"math"

	"rillcall/internal/core/domain"
)

// Class boundaries on the 0-100 score.
const (
	excellentScore = 80
	goodScore      = 60
	fairScore      = 40
	poorScore      = 20

	videoBitrateFloor = 50000
	audioBitrateFloor = 25000
)

// QualityService scores transport snapshots and maps scores to classes.
type QualityService struct{}

func NewQualityService() *QualityService {
	return &QualityService{}
}

// Score grades one media type's stats. Penalties only grow with loss, RTT
// and jitter, so the score is non-increasing in each of them.
func (qs *QualityService) Score(s domain.NetworkStats) float64 {
	score := 100.0

	switch {
	case s.FractionLost > 0.05:
		score -= math.Min(50, s.FractionLost*1000)
	case s.FractionLost > 0.02:
		score -= s.FractionLost * 500
	}

	switch {
	case s.RoundTripTime > 200:
		// never less than the 100-200ms band's maximum of 10
		score -= math.Max(10, math.Min(30, (s.RoundTripTime-200)/10))
	case s.RoundTripTime > 100:
		score -= (s.RoundTripTime - 100) / 10
	}

	minBitrate := float64(audioBitrateFloor)
	if s.Bitrate > videoBitrateFloor {
		minBitrate = videoBitrateFloor
	}
	if s.Bitrate < minBitrate {
		score -= (minBitrate - s.Bitrate) / 1000
	}

	if s.Jitter > 0.03 {
		score -= math.Min(20, (s.Jitter-0.03)*1000)
	}

	return math.Max(0, math.Min(100, score))
}

func (qs *QualityService) Classify(score float64) domain.QualityClass {
	switch {
	case score >= excellentScore:
		return domain.QualityExcellent
	case score >= goodScore:
		return domain.QualityGood
	case score >= fairScore:
		return domain.QualityFair
	case score >= poorScore:
		return domain.QualityPoor
	default:
		return domain.QualityDisconnected
	}
}

// Evaluate fills the scores and the overall class of m. The worse of audio
// and video wins; with no media flowing at all the call is disconnected
// without scoring.
func (qs *QualityService) Evaluate(m *domain.QualityMetrics) {
	videoIdle := m.Video == nil || m.Video.Bitrate == 0
	if m.Audio.Bitrate == 0 && videoIdle {
		m.AudioScore, m.VideoScore = 0, 0
		m.Overall = domain.QualityDisconnected
		return
	}

	m.AudioScore = qs.Score(m.Audio)
	worst := m.AudioScore
	if m.Video != nil {
		m.VideoScore = qs.Score(*m.Video)
		worst = math.Min(worst, m.VideoScore)
	}
	m.Overall = qs.Classify(worst)
}
