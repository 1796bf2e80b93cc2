package util

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// Game holds the tag pairs of one PGN game. Movetext is skipped.
type Game struct {
	Tags map[string]string
}

// GameScanner walks a PGN stream one game at a time. A game starts at its first tag
// line; the next tag line seen after movetext (or a repeated tag name) starts the next game.
type GameScanner struct {
	scanner    *bufio.Scanner
	peekedLine *string
	current    Game
	err        error
	ctx        context.Context
}

// NewGameScanner creates a GameScanner reading from r. ctx is checked once per line.
func NewGameScanner(ctx context.Context, r io.Reader) *GameScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &GameScanner{scanner: scanner, ctx: ctx}
}

// Scan advances to the next game. It returns false at end of input or on error.
func (gs *GameScanner) Scan() bool {
	gs.current = Game{Tags: make(map[string]string)}
	found := false
	inMoves := false

	for {
		if err := gs.ctx.Err(); err != nil {
			gs.err = err
			return false
		}
		line, ok := gs.nextLine()
		if !ok {
			break
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "%") {
			continue
		}
		name, value, isTag := parseTag(trimmed)
		if isTag {
			_, dup := gs.current.Tags[name]
			if found && (inMoves || dup) {
				gs.peekedLine = &line
				return true
			}
			gs.current.Tags[name] = value
			found = true
			continue
		}
		if found && trimmed != "" {
			inMoves = true
		}
	}

	gs.err = gs.scanner.Err()
	return found
}

// Game returns the game found by the last successful Scan.
func (gs *GameScanner) Game() Game {
	return gs.current
}

// Err returns the first non-EOF error encountered.
func (gs *GameScanner) Err() error {
	return gs.err
}

// Buffer sets the initial line buffer and the longest line accepted. It must be called
// before the first Scan.
func (gs *GameScanner) Buffer(buf []byte, max int) {
	gs.scanner.Buffer(buf, max)
}

func (gs *GameScanner) nextLine() (string, bool) {
	if gs.peekedLine != nil {
		line := *gs.peekedLine
		gs.peekedLine = nil
		return line, true
	}
	if !gs.scanner.Scan() {
		return "", false
	}
	return gs.scanner.Text(), true
}

// parseTag splits `[Name "Value"]` into its parts.
func parseTag(line string) (name, value string, ok bool) {
	if len(line) < 4 || line[0] != '[' || line[len(line)-1] != ']' {
		return "", "", false
	}
	body := strings.TrimSpace(line[1 : len(line)-1])
	sp := strings.IndexAny(body, " \t")
	if sp <= 0 {
		return "", "", false
	}
	name = body[:sp]
	raw := strings.TrimSpace(body[sp+1:])
	if len(raw) < 2 || raw[0] != '"' || raw[len(raw)-1] != '"' {
		return "", "", false
	}
	value = strings.ReplaceAll(raw[1:len(raw)-1], `\"`, `"`)
	value = strings.ReplaceAll(value, `\\`, `\`)
	return name, value, true
}

// CountGames returns the number of games in a PGN stream.
func CountGames(ctx context.Context, r io.Reader) (int, error) {
	gs := NewGameScanner(ctx, r)
	n := 0
	for gs.Scan() {
		n++
	}
	return n, gs.Err()
}
