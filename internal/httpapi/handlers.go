package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/SuperSonnix71/Xnake/internal/anticheat"
	"github.com/SuperSonnix71/Xnake/internal/train"
)

// maxBodyBytes caps a request body well above the payload caps the codec
// enforces, so oversized bodies fail fast.
const maxBodyBytes = 128 << 10

type startRequest struct {
	Fingerprint string `json:"fingerprint"`
}

type startResponse struct {
	Success bool   `json:"success"`
	Seed    uint32 `json:"seed"`
}

type scoreRequest struct {
	Score        int    `json:"score"`
	SpeedLevel   int    `json:"speedLevel"`
	Fingerprint  string `json:"fingerprint"`
	GameDuration int    `json:"gameDuration"`
	FoodEaten    int    `json:"foodEaten"`
	Seed         uint32 `json:"seed"`
	Moves        string `json:"moves"`
	TotalFrames  int    `json:"totalFrames"`
	Heartbeats   string `json:"heartbeats"`
}

type scoreResponse struct {
	Success   bool `json:"success"`
	BestScore int  `json:"bestScore"`
	Rank      int  `json:"rank"`
	IsNewBest bool `json:"isNewBest"`
}

func (s *Server) handleGameStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Orchestrator.StartGame(req.Fingerprint)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, startResponse{Success: true, Seed: res.Seed})
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if !s.decode(w, r, &req) {
		return
	}
	accepted, err := s.deps.Orchestrator.Submit(r.Context(), anticheat.SubmitRequest{
		Fingerprint:  req.Fingerprint,
		Score:        req.Score,
		SpeedLevel:   req.SpeedLevel,
		GameDuration: req.GameDuration,
		FoodEaten:    req.FoodEaten,
		Seed:         req.Seed,
		TotalFrames:  req.TotalFrames,
		Moves:        req.Moves,
		Heartbeats:   req.Heartbeats,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, scoreResponse{
		Success:   true,
		BestScore: accepted.BestScore,
		Rank:      accepted.Rank,
		IsNewBest: accepted.IsNewBest,
	})
}

func (s *Server) handleHallOfFame(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Leaderboard.Top(boardLimit(r, hallOfFameLimit)))
}

func (s *Server) handleHallOfShame(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Cheaters.Top(boardLimit(r, hallOfShameLimit)))
}

// boardLimit reads ?limit=, clamped to the board cap.
func boardLimit(r *http.Request, fallback int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	if n > maxBoardLimit {
		return maxBoardLimit
	}
	return n
}

type mlStatus struct {
	ModelLoaded    bool    `json:"modelLoaded"`
	ActiveVersion  string  `json:"activeVersion,omitempty"`
	F1             float64 `json:"f1,omitempty"`
	Accuracy       float64 `json:"accuracy,omitempty"`
	SampleCount    int64   `json:"sampleCount"`
	EdgeCaseCount  int64   `json:"edgeCaseCount"`
	TrainingActive bool    `json:"trainingActive"`
	LastCompleted  string  `json:"lastCompleted,omitempty"`
}

func (s *Server) handleMLStatus(w http.ResponseWriter, _ *http.Request) {
	status := mlStatus{
		SampleCount:    s.deps.Samples.Count(),
		EdgeCaseCount:  s.deps.EdgeLog.Count(),
		TrainingActive: s.deps.Worker.InProgress(),
	}
	if bundle := s.deps.Predictor.Active(); bundle != nil {
		status.ModelLoaded = true
		status.ActiveVersion = bundle.Version
		status.F1 = bundle.Metrics.F1
		status.Accuracy = bundle.Metrics.Accuracy
	}
	if completed, ok := s.deps.Worker.LastCompleted(); ok {
		status.LastCompleted = completed.UTC().Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleMLVersions(w http.ResponseWriter, _ *http.Request) {
	infos, err := s.deps.Registry.List()
	if err != nil {
		s.logger.Error("listing model versions failed", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
		return
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleTrainingLogs(w http.ResponseWriter, r *http.Request) {
	s.writeTail(w, r, s.deps.TrainLog)
}

func (s *Server) handleEdgeCases(w http.ResponseWriter, r *http.Request) {
	s.writeTail(w, r, s.deps.EdgeLog)
}

// writeTail serves the newest entries of an append-only log, with an
// optional ?limit= up to the cap.
func (s *Server) writeTail(w http.ResponseWriter, r *http.Request, log tailer) {
	limit := logTailLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < logTailLimit {
			limit = n
		}
	}
	lines, err := log.Tail(limit)
	if err != nil {
		s.logger.Error("log tail failed", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
		return
	}
	if lines == nil {
		lines = []json.RawMessage{}
	}
	s.writeJSON(w, http.StatusOK, lines)
}

type tailer interface {
	Tail(limit int) ([]json.RawMessage, error)
}

type trainNowResponse struct {
	Outcome train.Outcome `json:"outcome"`
}

func (s *Server) handleTrainNow(w http.ResponseWriter, _ *http.Request) {
	outcome := s.deps.Worker.Request(train.TriggerManual)
	code := http.StatusAccepted
	if outcome == train.OutcomeDebounced {
		code = http.StatusTooManyRequests
	}
	s.writeJSON(w, code, trainNowResponse{Outcome: outcome})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error string `json:"error"`
}

// decode reads a JSON body; a false return means the response is written.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return false
	}
	return true
}

// writeError maps pipeline error kinds onto status codes. Anything that is
// not a pipeline error is a server fault.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var e *anticheat.Error
	if !errors.As(err, &e) {
		s.logger.Error("unclassified handler error", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
		return
	}
	status := http.StatusInternalServerError
	switch e.Kind {
	case anticheat.ErrValidation:
		status = http.StatusBadRequest
	case anticheat.ErrAuthFailure:
		status = http.StatusUnauthorized
	case anticheat.ErrRateLimited:
		status = http.StatusTooManyRequests
	case anticheat.ErrCheatDetected:
		status = http.StatusForbidden
	}
	s.writeJSON(w, status, errorBody{Error: e.Message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "err", err)
	}
}
