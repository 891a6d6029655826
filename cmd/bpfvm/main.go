// Command bpfvm loads eBPF object files into a userspace VM, runs them,
// keeps them in a program store and serves them over gRPC.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/fortiblox/bpfvm/pkg/config"
)

// Version information (set at build time).
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var flags struct {
	configPath string
	verbose    bool
	memPath    string
	objects    []string
	programID  string
}

var (
	consoleOutput io.Writer = os.Stderr
	logger                  = log.NewLogfmtLogger(log.NewSyncWriter(consoleOutput))
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Load and run eBPF object files in a userspace VM.").UsageWriter(os.Stdout)
	app.Version(fmt.Sprintf("bpfvm %s (%s)", Version, GitCommit))
	app.HelpFlag.Short('h')
	app.Flag("config", "Path to a YAML configuration file.").Short('c').StringVar(&flags.configPath)
	app.Flag("verbose", "Enable debug logging.").Short('v').Default("false").BoolVar(&flags.verbose)

	loadCmd := app.Command("load", "Load an object file and report what was loaded.")
	loadCmd.Arg("file", "Object file (optionally zstd-compressed).").Required().ExistingFilesVar(&flags.objects)

	runCmd := app.Command("run", "Load an object file and execute it.")
	runCmd.Arg("file", "Object file (optionally zstd-compressed).").Required().ExistingFilesVar(&flags.objects)
	runCmd.Flag("mem", "File holding the context memory passed in r1.").ExistingFileVar(&flags.memPath)

	helpersCmd := app.Command("helpers", "List the host functions available to programs.")

	storeCmd := app.Command("store", "Operate on the program store.")
	storePutCmd := storeCmd.Command("put", "Validate and store object files.")
	storePutCmd.Arg("file", "Object files.").Required().ExistingFilesVar(&flags.objects)
	storeListCmd := storeCmd.Command("list", "List stored programs.").Alias("ls")
	storeRunCmd := storeCmd.Command("run", "Execute a stored program.")
	storeRunCmd.Arg("id", "Program ID.").Required().StringVar(&flags.programID)
	storeRunCmd.Flag("mem", "File holding the context memory passed in r1.").ExistingFileVar(&flags.memPath)
	storeRmCmd := storeCmd.Command("rm", "Delete a stored program.")
	storeRmCmd.Arg("id", "Program ID.").Required().StringVar(&flags.programID)

	serveCmd := app.Command("serve", "Serve the loader over gRPC.")

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := loadConfig()
	if err != nil {
		os.Exit(checkError(err))
	}
	lvl, err := logLevel(cfg, flags.verbose)
	if err != nil {
		os.Exit(checkError(err))
	}
	logger = level.NewFilter(logger, lvl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		level.Info(logger).Log("msg", "received signal, shutting down", "signal", sig)
		cancel()
	}()

	out := os.Stdout
	switch parsedCmd {
	case loadCmd.FullCommand():
		for _, file := range flags.objects {
			if err := loadFile(out, cfg, file); err != nil {
				os.Exit(checkError(err))
			}
		}
	case runCmd.FullCommand():
		os.Exit(checkError(runFile(out, cfg, flags.objects[0], flags.memPath)))
	case helpersCmd.FullCommand():
		os.Exit(checkError(listHelpers(out)))
	case storePutCmd.FullCommand():
		os.Exit(checkError(storePut(out, cfg, flags.objects)))
	case storeListCmd.FullCommand():
		os.Exit(checkError(storeList(out, cfg)))
	case storeRunCmd.FullCommand():
		os.Exit(checkError(storeRun(out, cfg, flags.programID, flags.memPath)))
	case storeRmCmd.FullCommand():
		os.Exit(checkError(storeRemove(out, cfg, flags.programID)))
	case serveCmd.FullCommand():
		os.Exit(checkError(serve(ctx, cfg)))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

func loadConfig() (config.Config, error) {
	if flags.configPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(flags.configPath)
}

// logLevel returns the configured level filter; verbose forces debug.
func logLevel(cfg config.Config, verbose bool) (level.Option, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	if verbose {
		return level.AllowDebug(), nil
	}
	return lvl, nil
}

func checkError(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 0
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return 1
}
