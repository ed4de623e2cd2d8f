// Package repl is an interactive shell over a document.
package repl

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/readline"

	"github.com/drpcorg/kniga"
	"github.com/drpcorg/kniga/ephemeral"
)

// REPL per se.
type REPL struct {
	Doc  *kniga.Doc
	Out  io.Writer
	undo     *kniga.UndoManager
	presence *ephemeral.Store
	rl       *readline.Instance
	tails    sync.WaitGroup
}

// PresenceTimeout is how long presence entries live without updates.
const PresenceTimeout = 30 * time.Second

var ErrUsage = errors.New("usage")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("text"),
	readline.PcItem("list"),
	readline.PcItem("map"),
	readline.PcItem("counter"),
	readline.PcItem("tree"),

	readline.PcItem("commit"),
	readline.PcItem("undo"),
	readline.PcItem("redo"),

	readline.PcItem("value"),
	readline.PcItem("vv"),
	readline.PcItem("log"),
	readline.PcItem("export"),
	readline.PcItem("import"),
	readline.PcItem("tail"),
	readline.PcItem("presence",
		readline.PcItem("set"),
		readline.PcItem("delete"),
		readline.PcItem("export"),
		readline.PcItem("import"),
	),
	readline.PcItem("checkout"),
	readline.PcItem("attach"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func New(doc *kniga.Doc, out io.Writer) *REPL {
	return &REPL{
		Doc:      doc,
		Out:      out,
		undo:     kniga.NewUndoManager(doc),
		presence: ephemeral.New(PresenceTimeout),
	}
}

// Open attaches the terminal; history goes to the file if set.
func (repl *REPL) Open(history string) (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     history,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	repl.undo.Close()
	repl.Doc.RemoveUpdateHose(tailHose)
	repl.tails.Wait()
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

// Run reads and executes lines until exit or end of input.
func (repl *REPL) Run() error {
	for {
		line, err := repl.rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		err = repl.Execute(line)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			_, _ = fmt.Fprintf(repl.Out, "error: %s\n", err.Error())
		}
	}
}

// Execute runs one command line; io.EOF means exit.
func (repl *REPL) Execute(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help":
		return repl.CommandHelp(args)
	// ----- containers -----
	case "text":
		return repl.CommandText(args)
	case "list":
		return repl.CommandList(args)
	case "map":
		return repl.CommandMap(args)
	case "counter":
		return repl.CommandCounter(args)
	case "tree":
		return repl.CommandTree(args)
	// ----- transactions -----
	case "commit":
		return repl.Doc.CommitWith("", strings.Join(args, " "))
	case "undo":
		return repl.report(repl.undo.Undo())
	case "redo":
		return repl.report(repl.undo.Redo())
	// ----- versions -----
	case "value", "cat":
		return repl.CommandValue(args)
	case "vv":
		repl.printf("%s\n", repl.Doc.VersionVector().String())
		return nil
	case "log":
		return repl.CommandLog(args)
	case "export":
		return repl.CommandExport(args)
	case "import":
		return repl.CommandImport(args)
	case "tail":
		return repl.CommandTail(args)
	case "presence":
		return repl.CommandPresence(args)
	case "checkout":
		return repl.CommandCheckout(args)
	case "attach":
		return repl.Doc.Attach()
	case "exit", "quit":
		return io.EOF
	}
	return fmt.Errorf("command unknown: %s", cmd)
}

func (repl *REPL) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(repl.Out, format, args...)
}

func (repl *REPL) report(done bool, err error) error {
	if err == nil && !done {
		repl.printf("nothing to do\n")
	}
	return err
}
