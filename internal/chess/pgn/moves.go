package pgn

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

var (
	ErrNoMoves     = errors.New("pgn: no moves")
	ErrIllegalMove = errors.New("pgn: illegal or unparseable move")
)

var (
	commentRe    = regexp.MustCompile(`\{[^}]*\}`)
	tagRe        = regexp.MustCompile(`\[[^\]]*\]`)
	moveNumberRe = regexp.MustCompile(`\d+\.(\.\.)?`)
	resultRe     = regexp.MustCompile(`1-0|0-1|1/2-1/2`)
	nagRe        = regexp.MustCompile(`\$\d+`)
)

// Sanitize strips comments, tags, move numbers, result markers and annotation
// glyphs from a SAN move text and splits it into move tokens.
func Sanitize(text string) []string {
	clean := commentRe.ReplaceAllString(text, " ")
	clean = tagRe.ReplaceAllString(clean, " ")
	clean = resultRe.ReplaceAllString(clean, " ")
	clean = moveNumberRe.ReplaceAllString(clean, " ")
	clean = nagRe.ReplaceAllString(clean, " ")

	fields := strings.Fields(clean)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimRight(f, "?!")
		if len(f) < 2 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// ToUCI replays SAN tokens from the start position and returns the same moves
// in UCI long algebraic form.
func ToUCI(san []string) ([]string, error) {
	if len(san) == 0 {
		return nil, ErrNoMoves
	}
	game := nchess.NewGame()
	out := make([]string, 0, len(san))
	for i, mv := range san {
		if err := game.PushNotationMove(mv, nchess.AlgebraicNotation{}, nil); err != nil {
			return nil, fmt.Errorf("%w: ply %d %q: %v", ErrIllegalMove, i, mv, err)
		}
		moves := game.Moves()
		out = append(out, moves[len(moves)-1].String())
	}
	return out, nil
}

// UCIMoves is Sanitize followed by ToUCI.
func UCIMoves(text string) ([]string, error) {
	return ToUCI(Sanitize(text))
}
