package plugin

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

// ConsoleName is the source name used for commands typed at the console.
const ConsoleName = "Console"

// CommandSource is whoever issued a command.
type CommandSource interface {
	Name() string
	IsPlayer() bool
	Reply(message string)
}

type playerSource struct {
	player string
	teller Teller
}

func (s playerSource) Name() string   { return s.player }
func (s playerSource) IsPlayer() bool { return true }

func (s playerSource) Reply(message string) {
	if s.teller == nil {
		return
	}
	if err := s.teller.Tell(s.player, message); err != nil {
		log.Warn().Err(err).Str("player", s.player).Msg("failed to reply to player")
	}
}

// PlayerSource returns a source that replies to player in game.
func (p *Plugin) PlayerSource(player string) CommandSource {
	return playerSource{player: player, teller: p.teller}
}

type consoleSource struct {
	out io.Writer
}

func (consoleSource) Name() string   { return ConsoleName }
func (consoleSource) IsPlayer() bool { return false }

func (s consoleSource) Reply(message string) {
	fmt.Fprintln(s.out, stripFormatting(message))
}

// ConsoleSource returns a source that replies on out.
func ConsoleSource(out io.Writer) CommandSource {
	return consoleSource{out: out}
}

// stripFormatting removes § color codes.
func stripFormatting(s string) string {
	out := make([]rune, 0, len(s))
	skip := false
	for _, r := range s {
		switch {
		case skip:
			skip = false
		case r == '§':
			skip = true
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
