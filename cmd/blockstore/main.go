package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/chzyer/readline"
	"github.com/cockroachdb/errors"

	"github.com/KevoDB/blockstore/pkg/blockfile"
	"github.com/KevoDB/blockstore/pkg/common/log"
	"github.com/KevoDB/blockstore/pkg/config"
	"github.com/KevoDB/blockstore/pkg/telemetry"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".use"),
	readline.PcItem(".close"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem("BEGIN",
		readline.PcItem("INVALIDATE"),
	),
	readline.PcItem("COMMIT"),
	readline.PcItem("ROLLBACK"),
	readline.PcItem("WRITE"),
	readline.PcItem("READ"),
	readline.PcItem("LEN"),
	readline.PcItem("UPDATE"),
	readline.PcItem("APPEND"),
	readline.PcItem("DELETE"),
)

func main() {
	configPath := flag.String("config", "", "Path to a JSON configuration file")
	blockSize := flag.Int("block-size", 0, "Block size for new files (default from config)")
	logLevel := flag.String("log-level", "warn", "Log level: debug, info, warn, error")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "blockstore - transactional block file shell\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: blockstore [options] [path...]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Several paths open as one commit group; the first leads it.\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nFor the command list, start blockstore and type .help\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err)
		os.Exit(1)
	}

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	logger := log.NewStandardLogger(log.WithLevel(level), log.WithOutput(os.Stderr))
	log.SetDefaultLogger(logger)

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting telemetry: %s\n", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error shutting down telemetry: %s\n", err)
		}
	}()

	sh := newShell(os.Stdout, &blockfile.Options{
		Config:    cfg,
		BlockSize: *blockSize,
		Logger:    logger,
		Telemetry: tel,
	})
	defer sh.closeAll()

	if flag.NArg() > 0 {
		sh.open(flag.Args())
	}
	runInteractive(sh)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.NewDefaultConfig()
		cfg.Telemetry.LoadFromEnv()
		return cfg, nil
	}
	cfg, err := config.LoadConfig(path)
	if errors.Is(err, config.ErrConfigNotFound) {
		cfg = config.NewDefaultConfig()
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
		fmt.Printf("Wrote default configuration to %s\n", path)
	} else if err != nil {
		return nil, err
	}
	cfg.Telemetry.LoadFromEnv()
	return cfg, cfg.Validate()
}

// runInteractive starts the interactive CLI mode
func runInteractive(sh *shell) {
	fmt.Println("blockstore shell")
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".blockstore_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "blockstore> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		rl.SetPrompt(sh.prompt())

		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if sh.execute(line) {
			return
		}
	}
}
