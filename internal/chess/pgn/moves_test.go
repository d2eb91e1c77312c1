package pgn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"bare san", "e4 e5 Nf3 Nc6", []string{"e4", "e5", "Nf3", "Nc6"}},
		{"numbered", "1. e4 e5 2. Nf3 Nc6 1-0", []string{"e4", "e5", "Nf3", "Nc6"}},
		{"comments and clocks", "1. e4 { [%clk 0:03:00] } 1... c5 { [%clk 0:03:00] } 0-1", []string{"e4", "c5"}},
		{"draw marker", "1. d4 d5 1/2-1/2", []string{"d4", "d5"}},
		{"annotations", "1. e4?! e5!! 2. Qh5?? $4 *", []string{"e4", "e5", "Qh5"}},
		{"headers", "[Event \"Rated\"]\n[Site \"x\"]\n\n1. e4 e5", []string{"e4", "e5"}},
		{"empty", "   ", []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Sanitize(tc.in))
		})
	}
}

func TestToUCI(t *testing.T) {
	got, err := UCIMoves("e4 e5 Nf3 Nc6 Bb5 a6 O-O")
	require.NoError(t, err)
	assert.Equal(t, []string{"e2e4", "e7e5", "g1f3", "b8c6", "f1b5", "a7a6", "e1g1"}, got)
}

func TestToUCIPromotion(t *testing.T) {
	got, err := UCIMoves("e4 d5 exd5 c6 dxc6 Qb6 cxb7 Qc6 bxa8=Q")
	require.NoError(t, err)
	assert.Equal(t, "b7a8q", got[len(got)-1])
}

func TestToUCIRejectsIllegal(t *testing.T) {
	_, err := UCIMoves("e4 e5 Ke3")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalMove))

	_, err = UCIMoves("1-0")
	assert.True(t, errors.Is(err, ErrNoMoves))
}
