package server

import (
	"regexp"
	"strings"
)

// LineKind classifies one console line.
type LineKind int

const (
	LineOther LineKind = iota
	LineChat
	LineJoined
	LineLeft
	LineReady
)

// ConsoleLine is a parsed line of game server output.
type ConsoleLine struct {
	Kind    LineKind
	Player  string
	Content string
	// Raw is the line with its log prefix removed.
	Raw string
}

var (
	// "[12:34:56] [Server thread/INFO]: " (vanilla) or "[12:34:56 INFO]: " (bukkit)
	logPrefix = regexp.MustCompile(`^\[[^\]]*\](?: \[[^\]]*\])?:? ?`)

	chatLine   = regexp.MustCompile(`^<([^<>\s]{1,32})> (.*)$`)
	joinedLine = regexp.MustCompile(`^([A-Za-z0-9_]{1,32}) joined the game$`)
	leftLine   = regexp.MustCompile(`^([A-Za-z0-9_]{1,32}) left the game$`)
	readyLine  = regexp.MustCompile(`^Done \([0-9.,]+s\)! For help`)
)

// infoThread reports whether the prefix belongs to an INFO record from the
// server or chat thread. Player lines are only trusted from there.
func infoThread(prefix string) bool {
	if !strings.Contains(prefix, "INFO") {
		return false
	}
	return !strings.Contains(prefix, "/") || strings.Contains(prefix, "Server thread/") || strings.Contains(prefix, "Async Chat Thread")
}

// ParseConsoleLine classifies a line of server output.
func ParseConsoleLine(line string) ConsoleLine {
	line = strings.TrimRight(line, "\r\n")
	prefix := logPrefix.FindString(line)
	body := line[len(prefix):]
	out := ConsoleLine{Kind: LineOther, Raw: body}

	if prefix == "" || !infoThread(prefix) {
		return out
	}

	if m := chatLine.FindStringSubmatch(body); m != nil {
		out.Kind, out.Player, out.Content = LineChat, m[1], m[2]
		return out
	}
	if m := joinedLine.FindStringSubmatch(body); m != nil {
		out.Kind, out.Player = LineJoined, m[1]
		return out
	}
	if m := leftLine.FindStringSubmatch(body); m != nil {
		out.Kind, out.Player = LineLeft, m[1]
		return out
	}
	if readyLine.MatchString(body) {
		out.Kind = LineReady
	}
	return out
}
