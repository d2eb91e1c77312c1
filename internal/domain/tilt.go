package domain

import "time"

// TiltRecord is one scored snapshot of a player's session.
type TiltRecord struct {
	ID       int64
	Username string
	Score    float64
	Games    int
	Source   string
	ScoredAt time.Time
	GameIDs  []string
}
