package detect

import (
	"fmt"
	"math"
)

// checkHeartbeats corroborates the client's wall clock against its monotonic
// clock and its claimed simulation pace. The rule abstains below the score
// threshold and whenever fewer than two heartbeats arrived, because a single
// beat fixes no interval.
func (c *Chain) checkHeartbeats(sub Submission, _ SessionInfo) *Finding {
	if sub.Score < c.cfg.HeartbeatMinScore || len(sub.Heartbeats) < 2 {
		return nil
	}

	beats := sub.Heartbeats
	for i := 1; i < len(beats); i++ {
		prev, cur := beats[i-1], beats[i]

		frameDelta := cur.Frame - prev.Frame
		if frameDelta <= 0 {
			return &Finding{
				Kind:   TimingManipulation,
				Reason: fmt.Sprintf("heartbeat frames not increasing (%d then %d)", prev.Frame, cur.Frame),
			}
		}

		// The wall-time interval must track frameDelta * avgSpeed within
		// a band that absorbs scheduler jitter on slow devices.
		avgSpeed := float64(prev.Speed+cur.Speed) / 2
		expected := float64(frameDelta) * avgSpeed
		band := c.cfg.HeartbeatBandMS
		if rel := expected * c.cfg.HeartbeatBandFrac; rel > band {
			band = rel
		}
		observed := float64(cur.Time - prev.Time)
		if math.Abs(observed-expected) > band {
			return &Finding{
				Kind: TimingManipulation,
				Reason: fmt.Sprintf("heartbeat interval %.0fms deviates from expected %.0fms beyond ±%.0fms",
					observed, expected, band),
			}
		}

		// performance.now() cannot be skewed by changing the system
		// clock; a large divergence means the wall clock was moved.
		drift := (cur.Time - prev.Time) - (cur.Perf - prev.Perf)
		if drift < 0 {
			drift = -drift
		}
		if drift > c.cfg.ClockDriftMS {
			return &Finding{
				Kind:   TimingManipulation,
				Reason: fmt.Sprintf("wall and monotonic clocks diverge by %dms", drift),
			}
		}
	}

	first, last := beats[0], beats[len(beats)-1]
	if frames := last.Frame - first.Frame; frames > 0 {
		msPerFrame := float64(last.Time-first.Time) / float64(frames)
		if msPerFrame < c.cfg.MinMSPerFrame || msPerFrame > c.cfg.MaxMSPerFrame {
			return &Finding{
				Kind: TimingManipulation,
				Reason: fmt.Sprintf("global pacing %.1fms per frame outside [%.0f, %.0f]",
					msPerFrame, c.cfg.MinMSPerFrame, c.cfg.MaxMSPerFrame),
			}
		}
	}
	return nil
}
