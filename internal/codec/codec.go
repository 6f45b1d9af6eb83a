// Package codec parses and serializes the compact wire strings the client
// uses for move logs and heartbeat logs.
//
// Moves travel as semicolon-separated "d,f,t" triples (direction, frame,
// time). A legacy two-field "d,t" form is accepted and treated as frame 0.
// Heartbeats travel as "t,p,f,s" tuples (wall delta, monotonic delta, frame,
// speed) with an optional trailing score field.
//
// Entries that fail numeric parsing are dropped without error; the payload
// size caps are the only hard failures. Parsing is tolerant because the
// replay engine and the detectors are the authorities on whether a log is
// consistent, not the decoder.
package codec

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/SuperSonnix71/Xnake/internal/snake"
)

// Payload size caps in bytes. Oversized payloads are rejected outright
// rather than truncated.
const (
	MaxMovesBytes      = 50000
	MaxHeartbeatsBytes = 10000
)

var (
	ErrMovesTooLarge      = errors.New("codec: moves payload exceeds size cap")
	ErrHeartbeatsTooLarge = errors.New("codec: heartbeats payload exceeds size cap")
)

// ParseMoves decodes a move log. Malformed entries are skipped; the only
// error is the size cap.
func ParseMoves(s string) ([]snake.Move, error) {
	if len(s) > MaxMovesBytes {
		return nil, ErrMovesTooLarge
	}
	if s == "" {
		return nil, nil
	}

	entries := strings.Split(s, ";")
	moves := make([]snake.Move, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, ",")

		var m snake.Move
		var ok bool
		switch len(fields) {
		case 3:
			var d, f, tm int64
			if d, ok = parseInt(fields[0]); !ok {
				continue
			}
			if f, ok = parseInt(fields[1]); !ok {
				continue
			}
			if tm, ok = parseInt(fields[2]); !ok {
				continue
			}
			m = snake.Move{Direction: snake.Direction(d), Frame: int(f), Time: tm}
		case 2:
			// Legacy clients never reported frames.
			var d, tm int64
			if d, ok = parseInt(fields[0]); !ok {
				continue
			}
			if tm, ok = parseInt(fields[1]); !ok {
				continue
			}
			m = snake.Move{Direction: snake.Direction(d), Frame: 0, Time: tm}
		default:
			continue
		}
		moves = append(moves, m)
	}
	if len(moves) == 0 {
		return nil, nil
	}
	return moves, nil
}

// EncodeMoves renders a move log in the canonical three-field form.
func EncodeMoves(moves []snake.Move) string {
	if len(moves) == 0 {
		return ""
	}
	var b strings.Builder
	for i, m := range moves {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(strconv.Itoa(int(m.Direction)))
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(m.Frame))
		b.WriteByte(',')
		b.WriteString(strconv.FormatInt(m.Time, 10))
	}
	return b.String()
}

// ParseHeartbeats decodes a heartbeat log. Malformed entries are skipped;
// the only error is the size cap. An absent score field is reported as -1.
func ParseHeartbeats(s string) ([]snake.Heartbeat, error) {
	if len(s) > MaxHeartbeatsBytes {
		return nil, ErrHeartbeatsTooLarge
	}
	if s == "" {
		return nil, nil
	}

	entries := strings.Split(s, ";")
	beats := make([]snake.Heartbeat, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, ",")
		if len(fields) != 4 && len(fields) != 5 {
			continue
		}

		var tm, perf, frame, speed, score int64
		var ok bool
		if tm, ok = parseInt(fields[0]); !ok {
			continue
		}
		if perf, ok = parseInt(fields[1]); !ok {
			continue
		}
		if frame, ok = parseInt(fields[2]); !ok {
			continue
		}
		if speed, ok = parseInt(fields[3]); !ok {
			continue
		}
		score = -1
		if len(fields) == 5 {
			if score, ok = parseInt(fields[4]); !ok {
				continue
			}
		}
		beats = append(beats, snake.Heartbeat{
			Time:  tm,
			Perf:  perf,
			Frame: int(frame),
			Speed: int(speed),
			Score: int(score),
		})
	}
	if len(beats) == 0 {
		return nil, nil
	}
	return beats, nil
}

// EncodeHeartbeats renders a heartbeat log, emitting the score field only
// when present.
func EncodeHeartbeats(beats []snake.Heartbeat) string {
	if len(beats) == 0 {
		return ""
	}
	var b strings.Builder
	for i, hb := range beats {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(strconv.FormatInt(hb.Time, 10))
		b.WriteByte(',')
		b.WriteString(strconv.FormatInt(hb.Perf, 10))
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(hb.Frame))
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(hb.Speed))
		if hb.Score >= 0 {
			b.WriteByte(',')
			b.WriteString(strconv.Itoa(hb.Score))
		}
	}
	return b.String()
}

// parseInt accepts plain integers and the fractional values JavaScript
// clients emit from performance.now(), rounding the latter.
func parseInt(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(math.Round(f)), true
}
