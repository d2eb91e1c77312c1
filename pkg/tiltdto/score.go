package tiltdto

// ScoreRequest carries games in ascending createdAt order.
type ScoreRequest struct {
	Games []Game `json:"games"`
	// PersonalModel is an opaque base64 model blob; empty selects the global model.
	PersonalModel string `json:"personal_model,omitempty"`
}

// ScoreResponse covers both endpoint generations: the model endpoint answers
// with stop_probability and threshold, the heuristic one with tilt_score.
type ScoreResponse struct {
	TiltScore       *float64 `json:"tilt_score,omitempty"`
	StopProbability *float64 `json:"stop_probability,omitempty"`
	Threshold       *float64 `json:"threshold,omitempty"`
	GamesAnalyzed   int      `json:"games_analyzed,omitempty"`
}

// Score returns the first score field present.
func (r ScoreResponse) Score() (float64, bool) {
	switch {
	case r.TiltScore != nil:
		return *r.TiltScore, true
	case r.StopProbability != nil:
		return *r.StopProbability, true
	default:
		return 0, false
	}
}
