package psrig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/peterh/liner"
	"go.uber.org/zap"

	"github.com/nik9play/psrig/pkg/psrig/protocol"
	"github.com/nik9play/psrig/pkg/psrig/store"
	"github.com/nik9play/psrig/pkg/psrig/util"
)

const historyFileName = ".psrig_history"

var errQuit = errors.New("quit")

type shellCommand struct {
	args int
	run  func(ctx context.Context, sh *commandShell, args []string) error
}

var shellCommands = map[string]shellCommand{
	"sweep": {run: func(ctx context.Context, sh *commandShell, _ []string) error {
		return sh.capture(ctx, protocol.Sweep)
	}},
	"single": {args: 1, run: func(ctx context.Context, sh *commandShell, args []string) error {
		light, err := protocol.ParseLightID(args[0])
		if err != nil {
			return err
		}
		return sh.capture(ctx, protocol.Single(light))
	}},
	"brightness": {args: 1, run: func(ctx context.Context, sh *commandShell, args []string) error {
		value, err := strconv.Atoi(args[0])
		if err != nil {
			return &protocol.ValidationError{Field: "brightness", Input: args[0], Reason: "not a number"}
		}
		if err := sh.coordinator.SetBrightness(ctx, value); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "brightness %d\n", value)
		return nil
	}},
	"kind": {args: 1, run: func(_ context.Context, sh *commandShell, args []string) error {
		kind, err := store.ParseImageKind(args[0])
		if err != nil {
			return err
		}
		sh.coordinator.SetKind(kind)
		fmt.Fprintf(sh.out, "image kind %s\n", kind)
		return nil
	}},
	"reset": {run: func(_ context.Context, sh *commandShell, _ []string) error {
		if err := sh.coordinator.Reset(); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "state %s\n", sh.coordinator.State())
		return nil
	}},
	"status": {run: func(_ context.Context, sh *commandShell, _ []string) error {
		fmt.Fprintf(sh.out, "state %s, image kind %s, port %q\n",
			sh.coordinator.State(), sh.coordinator.Kind(), sh.coordinator.Port())
		return nil
	}},
	"open": {run: func(_ context.Context, sh *commandShell, _ []string) error {
		return util.OpenExternal(sh.logger, sh.outputDir)
	}},
	"help": {run: func(_ context.Context, sh *commandShell, _ []string) error {
		fmt.Fprintln(sh.out, localize(sh.localizer(), msgShellHelp, nil))
		return nil
	}},
	"quit": {run: func(context.Context, *commandShell, []string) error {
		return errQuit
	}},
}

// commandShell maps operator commands onto the coordinator
type commandShell struct {
	logger      *zap.SugaredLogger
	coordinator *Coordinator
	outputDir   string
	localizer   func() *i18n.Localizer
	announce    func(*Summary)
	out         io.Writer
}

func newCommandShell(
	logger *zap.SugaredLogger,
	coordinator *Coordinator,
	outputDir string,
	localizer func() *i18n.Localizer,
	announce func(*Summary),
	out io.Writer,
) *commandShell {
	return &commandShell{
		logger:      logger.Named("shell"),
		coordinator: coordinator,
		outputDir:   outputDir,
		localizer:   localizer,
		announce:    announce,
		out:         out,
	}
}

func commandNames() []string {
	names := make([]string, 0, len(shellCommands))
	for name := range shellCommands {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// execute runs one command line; errQuit ends the shell
func (sh *commandShell) execute(ctx context.Context, input string) error {
	tokens := strings.Fields(input)
	if len(tokens) == 0 {
		return nil
	}

	name := strings.ToLower(tokens[0])
	if name == "exit" {
		name = "quit"
	}

	cmd, ok := shellCommands[name]
	if !ok {
		fmt.Fprintln(sh.out, localize(sh.localizer(), msgShellUnknownCommand, map[string]any{"Command": tokens[0]}))
		return nil
	}

	args := tokens[1:]
	if len(args) != cmd.args {
		fmt.Fprintf(sh.out, "%s takes %d argument(s)\n", name, cmd.args)
		return nil
	}

	sh.logger.Debugw("Running command", "command", name, "args", args)

	err := cmd.run(ctx, sh, args)
	if err != nil && !errors.Is(err, errQuit) {
		sh.logger.Debugw("Command failed", "command", name, "error", err)
		fmt.Fprintf(sh.out, "error: %v\n", err)
	}

	return err
}

func (sh *commandShell) capture(ctx context.Context, mode protocol.CaptureMode) error {
	summary, err := sh.coordinator.Capture(ctx, mode)
	if err != nil {
		return err
	}

	sh.printSummary(summary)

	if sh.announce != nil {
		sh.announce(summary)
	}

	return nil
}

func (sh *commandShell) printSummary(summary *Summary) {
	res := summary.Result

	fmt.Fprintln(sh.out, localize(sh.localizer(), msgShellSummary, map[string]any{
		"Mode":     res.Mode,
		"Status":   res.Status,
		"Captured": len(res.Captured()),
		"Total":    len(res.Lights),
	}))

	saved := make(map[protocol.LightID]store.SavedFrame, len(summary.Saved))
	for _, s := range summary.Saved {
		saved[s.Light] = s
	}

	for _, l := range res.Lights {
		detail := ""
		if s, ok := saved[l.Light]; ok {
			if s.Err != nil {
				detail = "not saved: " + s.Err.Error()
			} else {
				detail = filepath.Base(s.Path)
			}
		} else if l.Reason != nil {
			detail = l.Reason.Error()
		}

		fmt.Fprintf(sh.out, "  %-6s %-9s %s\n", l.Light, l.Outcome, detail)
	}

	if res.HasWarning() {
		fmt.Fprintln(sh.out, localize(sh.localizer(), msgRunWarningDescription, nil))
	}
	if !res.Completed() && res.Err != nil {
		fmt.Fprintf(sh.out, "error: %v\n", res.Err)
	}
}

// runOnce executes a single command given on the command line
func (sh *commandShell) runOnce(ctx context.Context, args []string) error {
	err := sh.execute(ctx, strings.Join(args, " "))
	if errors.Is(err, errQuit) {
		return nil
	}

	return err
}

// run reads commands until quit, Ctrl-C at the prompt or Ctrl-D
func (sh *commandShell) run(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(input string) (c []string) {
		for _, name := range commandNames() {
			if strings.HasPrefix(name, strings.ToLower(input)) {
				c = append(c, name)
			}
		}
		return
	})

	historyPath := historyFile()
	if f, err := os.Open(historyPath); err == nil {
		if _, err := line.ReadHistory(f); err != nil {
			sh.logger.Debugw("Failed to read shell history", "error", err)
		}
		f.Close()
	}

	defer func() {
		if f, err := os.Create(historyPath); err == nil {
			if _, err := line.WriteHistory(f); err != nil {
				sh.logger.Debugw("Failed to write shell history", "error", err)
			}
			f.Close()
		}
	}()

	fmt.Fprintln(sh.out, localize(sh.localizer(), msgShellWelcome, nil))

	for {
		input, err := line.Prompt("psrig> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			fmt.Fprintln(sh.out)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read command: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if err := sh.execute(ctx, input); errors.Is(err, errQuit) {
			return nil
		}
	}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return historyFileName
	}

	return filepath.Join(home, historyFileName)
}
