// Command ffshell is a line-oriented interactive driver over the
// fast-forward core: it loads a recorded target-state trace, lets an
// operator inspect registers and arm watchpoints, and steps a Unicorn-backed task through
// FastForwardThroughInstruction one call at a time. It exists as a runnable
// example of wiring task/vmu/uctask/ffrace together, the same role the
// reference codebase's ui.Repl plays for a full Usercorn session.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
	"github.com/shibukawa/configdir"

	"github.com/replaydbg/ffcore/fflog"
)

func historyPath() string {
	dirs := configdir.New("ffcore", "ffshell")
	cache := dirs.QueryCacheFolder()
	if err := cache.MkdirAll(); err != nil {
		return ""
	}
	return filepath.Join(cache.Path, "history")
}

func main() {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "ffshell> ",
		HistoryFile:     historyPath(),
		InterruptPrompt: "^C",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer rl.Close()

	sh := newShell(rl.Stderr())
	if len(os.Args) > 1 {
		if err := sh.load(os.Args[1]); err != nil {
			fmt.Fprintln(os.Stderr, "load:", err)
		}
	}

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			return
		}
		if err := sh.dispatch(line); err != nil {
			if err == errQuit {
				return
			}
			fflog.Warnf("%v", err)
		}
	}
}
