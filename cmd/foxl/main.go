// Command foxl runs and explores FoxL scripts: `foxl run <file>` (also the
// implicit default for a bare `foxl <file>`), `foxl repl`, and `foxl
// version`.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/urfave/cli/v3"

	foxl "github.com/FoxH2010/FoxL"
)

const (
	appName    = "foxl"
	version    = "0.1.0"
	promptMain = "foxl> "
	promptCont = "....> "
)

func main() {
	ctx := context.Background()

	traceFlag := &cli.BoolFlag{Name: "trace", Usage: "log a debug line around every function call"}
	configFlag := &cli.StringFlag{Name: "config", Usage: "path to a .foxlrc.yaml file"}

	runAction := func(ctx context.Context, c *cli.Command) error {
		if c.Args().Len() != 1 {
			return fmt.Errorf("usage: %s run <file.foxl>", appName)
		}
		return runFile(c.Args().First(), c.Bool("trace"), c.String("config"))
	}

	cmd := &cli.Command{
		Name:    appName,
		Usage:   "run and explore FoxL scripts",
		Version: version,
		Flags:   []cli.Flag{traceFlag, configFlag},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() == 0 {
				fmt.Printf("usage: %s <file.foxl> | run <file.foxl> | repl | version\n", appName)
				return nil
			}
			return runAction(ctx, c)
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run a FoxL script",
				Flags:  []cli.Flag{traceFlag, configFlag},
				Action: runAction,
			},
			{
				Name:  "repl",
				Usage: "start an interactive FoxL session",
				Flags: []cli.Flag{configFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRepl(c.String("config"))
				},
			},
			{
				Name:  "version",
				Usage: "print the compiled version",
				Action: func(ctx context.Context, c *cli.Command) error {
					fmt.Println(version)
					return nil
				},
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func loadConfigOrDefault(explicit string) foxl.Config {
	path := explicit
	if path == "" {
		path = foxl.DefaultConfigFile
	}
	cfg, err := foxl.LoadConfig(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning: "+err.Error())
		return foxl.Config{}
	}
	return cfg
}

// runFile reads, lexes, parses, and evaluates path. It prints a
// source-context rendering of any failure to stderr and exits the process
// with status 1 directly, rather than returning through the CLI framework,
// so the message it prints is the last thing the framework touches.
func runFile(path string, trace bool, configPath string) error {
	loadConfigOrDefault(configPath)

	src, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: cannot open '%s': %v\n", appName, path, err)
		os.Exit(1)
	}

	base := slog.Default()
	if trace {
		base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	logger := foxl.NewRunLogger(base)
	ev := foxl.NewEvaluator(os.Stdout, os.Stdin, logger)
	ev.WithTrace(trace)

	p, err := foxl.NewParser(string(src))
	if err != nil {
		fmt.Fprintln(os.Stderr, foxl.RenderWithSource(err, path, string(src)))
		os.Exit(1)
	}
	stmts, err := p.ParseProgram()
	if err != nil {
		fmt.Fprintln(os.Stderr, foxl.RenderWithSource(err, path, string(src)))
		os.Exit(1)
	}
	if err := ev.Run(stmts); err != nil {
		fmt.Fprintln(os.Stderr, foxl.RenderWithSource(err, path, string(src)))
		os.Exit(1)
	}
	return nil
}

func runRepl(configPath string) error {
	cfg := loadConfigOrDefault(configPath)
	fmt.Printf("FoxL %s REPL\nCtrl+C cancels input, Ctrl+D exits. Type :quit to exit.\n", version)

	histPath := cfg.HistoryFile
	if histPath == "" {
		home, _ := os.UserHomeDir()
		histPath = filepath.Join(home, ".foxl_history")
	}

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = ln.WriteHistory(f)
			f.Close()
		}
	}()

	logger := foxl.NewRunLogger(slog.Default())
	ev := foxl.NewEvaluator(os.Stdout, os.Stdin, logger)

	for {
		code, ok := readStatement(ln)
		if !ok {
			fmt.Println()
			return nil
		}
		trimmed := strings.TrimSpace(code)
		if trimmed == "" {
			continue
		}
		if trimmed == ":quit" {
			return nil
		}

		p, err := foxl.NewParser(code)
		if err != nil {
			fmt.Fprintln(os.Stderr, foxl.RenderWithSource(err, "", code))
			continue
		}
		stmts, err := p.ParseProgram()
		if err != nil {
			fmt.Fprintln(os.Stderr, foxl.RenderWithSource(err, "", code))
			continue
		}
		if err := ev.Run(stmts); err != nil {
			fmt.Fprintln(os.Stderr, foxl.RenderWithSource(err, "", code))
			continue
		}
		ln.AppendHistory(strings.ReplaceAll(trimmed, "\n", " "))
	}
}

// readStatement reads one logical statement from ln, continuing onto
// further lines (with promptCont) while braces opened on earlier lines
// remain unclosed. A prompt aborted with Ctrl+C discards the input so far
// and returns an empty statement with ok=true; EOF or any other prompt
// error returns ok=false.
func readStatement(ln *liner.State) (string, bool) {
	var b strings.Builder
	depth := 0
	for {
		prompt := promptMain
		if b.Len() > 0 {
			prompt = promptCont
		}
		line, err := ln.Prompt(prompt)
		if err == liner.ErrPromptAborted {
			return "", true
		}
		if err != nil {
			return "", false
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		for _, c := range line {
			switch c {
			case '{':
				depth++
			case '}':
				depth--
			}
		}
		if depth <= 0 {
			return b.String(), true
		}
	}
}
