package tiltdto

// Game is one processed game as the scoring endpoint reads it.
type Game struct {
	ID             string  `json:"id"`
	CreatedAt      int64   `json:"createdAt"`
	LastMoveAt     int64   `json:"lastMoveAt"`
	ACPL           int     `json:"my_acpl"`
	BlunderCount   int     `json:"my_blunder_count"`
	AvgSecsPerMove float64 `json:"my_avg_secs_per_move"`
	Result         float64 `json:"result"`
	RatingDiff     int     `json:"rating_diff"`
	WhiteUser      string  `json:"white_user"`
	BlackUser      string  `json:"black_user"`
}
