// Package fflog is the "implementation-defined sink" SPEC_FULL.md §6
// refers to: a tiny leveled logger the fast-forward core writes debug
// traces to. It mirrors the reference codebase's models/status.go coloring
// approach (github.com/mgutz/ansi color codes, gated on whether the
// destination looks like a terminal) rather than reaching for a
// full-blown structured logging library the reference project itself
// never uses.
package fflog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/mgutz/ansi"
)

type Level int

const (
	LevelSilent Level = iota
	LevelInfo
	LevelDebug
)

var (
	mu     sync.Mutex
	level  = LevelInfo
	out    io.Writer = colorable.NewColorableStderr()
	colors           = isatty.IsTerminal(os.Stderr.Fd())
)

var debugTag = ansi.ColorCode("cyan+b")
var warnTag = ansi.ColorCode("yellow+b")

// SetLevel controls which of Debugf/Warnf actually print.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// SetOutput redirects the sink, primarily for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

func tag(color, label string) string {
	if !colors {
		return "[" + label + "] "
	}
	return color + "[" + label + "]" + ansi.Reset + " "
}

func Debugf(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if level < LevelDebug {
		return
	}
	fmt.Fprintf(out, tag(debugTag, "ff")+format+"\n", args...)
}

func Warnf(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if level < LevelInfo {
		return
	}
	fmt.Fprintf(out, tag(warnTag, "ff")+format+"\n", args...)
}
