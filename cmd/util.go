// pbbam: writing, indexing and querying PacBio BAM files.
// Copyright (c) 2026 the pbbam authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/michaelpierrelee/pbbam/blob/master/LICENSE.txt>.

package cmd

import (
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/michaelpierrelee/pbbam/bam"
	"github.com/michaelpierrelee/pbbam/bgzf"
	"github.com/michaelpierrelee/pbbam/chemistry"
	"github.com/michaelpierrelee/pbbam/internal"
	"github.com/michaelpierrelee/pbbam/utils"
)

// ProgramMessage is the first line printed when the pbbam binary is
// called.
var ProgramMessage = fmt.Sprint(
	"\n", utils.ProgramName, " version ", utils.ProgramVersion,
	" compiled with ", runtime.Version(), " - see ", utils.ProgramURL, " for more information.\n",
)

// HelpMessage is printed to show the --help flag
const HelpMessage = "Print command details:\n" +
	"[--help]\n"

// Config holds the settings shared by the commands. Values come from
// an optional YAML file given with --config, and are overridden by
// command line flags.
type Config struct {
	Threads          int    `yaml:"threads"`
	CompressionLevel int    `yaml:"compression-level"`
	NoBin            bool   `yaml:"no-bin"`
	Pbi              bool   `yaml:"pbi"`
	LogPath          string `yaml:"log-path"`
	LogLevel         string `yaml:"log-level"`
	MetricsAddr      string `yaml:"metrics-addr"`
	ChemistryBundle  string `yaml:"chemistry-bundle-dir"`
}

// DefaultConfig returns the settings used when neither a config file
// nor flags say otherwise.
func DefaultConfig() Config {
	return Config{
		Threads:          bam.DefaultThreads,
		CompressionLevel: bgzf.DefaultCompression,
		LogLevel:         "info",
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, errors.E(errors.NotExist, fmt.Sprintf("config file %v not found", path), err)
		}
		return cfg, errors.E(path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.E(errors.Invalid, fmt.Sprintf("invalid config file %v", path), err)
	}
	return cfg, nil
}

// configFromArgs loads the config file named by a --config flag in
// args, if any, so that its values can serve as flag defaults.
func configFromArgs(args []string) (Config, error) {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return DefaultConfig(), errors.E(errors.Invalid, "missing value for --config")
			}
			value = args[i+1]
		}
		return LoadConfig(value)
	}
	return DefaultConfig(), nil
}

// registerConfigFlags defines the shared flags, with defaults taken
// from cfg.
func registerConfigFlags(flags *flag.FlagSet, cfg *Config, writes bool) {
	var ignored string
	flags.StringVar(&ignored, "config", "", "read default settings from a YAML file")
	flags.StringVar(&cfg.LogPath, "log-path", cfg.LogPath, "write log files to the specified directory")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "minimum level of log messages")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	flags.StringVar(&cfg.ChemistryBundle, "chemistry-bundle-dir", cfg.ChemistryBundle, "directory with a chemistry.xml mapping table")
	if writes {
		flags.IntVar(&cfg.Threads, "threads", cfg.Threads, "number of compression workers, 0 for one per CPU")
		flags.IntVar(&cfg.CompressionLevel, "compression-level", cfg.CompressionLevel, "compression level from -1 (default) to 9")
		flags.BoolVar(&cfg.NoBin, "no-bin", cfg.NoBin, "do not compute bin numbers")
		flags.BoolVar(&cfg.Pbi, "pbi", cfg.Pbi, "also write a .pbi index")
	}
}

// writerOptions translates cfg into options for bam.Open.
func (cfg Config) writerOptions() []bam.WriterOption {
	binMode := bam.BinCalculationOn
	if cfg.NoBin {
		binMode = bam.BinCalculationOff
	}
	return []bam.WriterOption{
		bam.WithThreads(cfg.Threads),
		bam.WithCompressionLevel(cfg.CompressionLevel),
		bam.WithBinCalculation(binMode),
	}
}

// applyEnvironment exports settings that library packages read from
// the environment.
func (cfg Config) applyEnvironment() error {
	if cfg.ChemistryBundle == "" {
		return nil
	}
	chemistry.ResetCache()
	return os.Setenv(chemistry.BundleDirEnv, cfg.ChemistryBundle)
}

func getFilename(s, help string) string {
	switch s {
	case "-h", "--h", "-help", "--help":
		fmt.Fprint(os.Stderr, help)
		os.Exit(0)
	default:
		if strings.HasPrefix(s, "-") && s != internal.StdioName {
			fmt.Fprintln(os.Stderr, "Filename(s) in command line missing.")
			fmt.Fprint(os.Stderr, help)
			os.Exit(1)
		}
	}
	return s
}

func parseFlags(flags *flag.FlagSet, requiredArgs int, help string) {
	if len(os.Args) < requiredArgs {
		fmt.Fprintln(os.Stderr, "Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
	flags.SetOutput(ioutil.Discard)
	if err := flags.Parse(os.Args[requiredArgs:]); err != nil {
		x := 0
		if err != flag.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			x = 1
		}
		fmt.Fprint(os.Stderr, help)
		os.Exit(x)
	}
	if flags.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Cannot parse remaining parameters:", flags.Args())
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
}

func checkExist(parameter, filename string) error {
	if len(filename) == 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("missing filename for command line parameter %v", parameter))
	}
	if _, err := os.Stat(filename); err != nil {
		switch {
		case os.IsNotExist(err):
			return errors.E(errors.NotExist, fmt.Sprintf("file %v does not exist for command line parameter %v", filename, parameter), err)
		case os.IsPermission(err):
			return errors.E(errors.NotAllowed, fmt.Sprintf("no permission to read file %v for command line parameter %v", filename, parameter), err)
		default:
			return errors.E(fmt.Sprintf("cannot access file %v for command line parameter %v", filename, parameter), err)
		}
	}
	return nil
}

func checkCreate(parameter, filename string) error {
	if len(filename) == 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("missing filename for command line parameter %v", parameter))
	}
	if internal.IsStdio(filename) {
		return nil
	}
	if _, err := os.Stat(filename); err == nil {
		// Assume that the file has been written by previous runs, and can be overwritten.
		return nil
	}
	err := os.MkdirAll(filepath.Dir(filename), 0700)
	if err == nil {
		err = os.WriteFile(filename, nil, 0666)
	}
	if err != nil {
		if os.IsPermission(err) {
			return errors.E(errors.NotAllowed, fmt.Sprintf("no permission to create file %v for command line parameter %v", filename, parameter), err)
		}
		return errors.E(fmt.Sprintf("cannot create file %v for command line parameter %v", filename, parameter), err)
	}
	_ = os.Remove(filename)
	return nil
}

func createLogFilename() string {
	t := time.Now()
	zone, _ := t.Zone()
	return fmt.Sprintf("logs/pbbam/pbbam-%d-%02d-%02d-%02d-%02d-%02d-%09d-%v.log", t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), zone)
}

// setLogOutput creates a log file below path and redirects stderr into
// it. The returned writer still reaches the original stderr.
func setLogOutput(path string) (io.Writer, string, error) {
	logPath := createLogFilename()
	var fullPath string
	if path == "" {
		fullPath = filepath.Join(os.Getenv("HOME"), logPath)
	} else {
		fullPath = filepath.Join(path, logPath)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0700); err != nil {
		return nil, "", err
	}
	f, err := os.Create(fullPath)
	if err != nil {
		return nil, "", err
	}
	fmt.Fprintln(f, ProgramMessage)

	orgStderr, err := unix.Dup(2)
	if err != nil {
		return nil, "", err
	}
	ferr := os.NewFile(uintptr(orgStderr), "/dev/stderr")
	if err := unix.Dup2(int(f.Fd()), 2); err != nil {
		return nil, "", err
	}
	return io.MultiWriter(f, ferr), fullPath, nil
}

// newLogger returns a console logger writing to w.
func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), errors.E(errors.Invalid, fmt.Sprintf("invalid log level %q", level), err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger(), nil
}

// setupLogging builds the logger of a command. With --log-path, log
// messages also go to a timestamped file.
func setupLogging(cfg Config) (zerolog.Logger, error) {
	var out io.Writer = os.Stderr
	var fullPath string
	if cfg.LogPath != "" {
		var err error
		if out, fullPath, err = setLogOutput(cfg.LogPath); err != nil {
			return zerolog.Nop(), err
		}
	}
	logger, err := newLogger(out, cfg.LogLevel)
	if err != nil {
		return logger, err
	}
	if fullPath != "" {
		logger.Info().Str("path", fullPath).Msg("created log file")
	}
	logger.Info().Strs("args", os.Args).Msg("command line")
	return logger, nil
}

// serveMetrics exposes the metrics in reg on addr until the process
// exits.
func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")
}

func timedRun(logger zerolog.Logger, msg string, f func() error) error {
	logger.Info().Msg(msg)
	start := time.Now()
	err := f()
	logger.Info().Dur("elapsed", time.Since(start)).Err(err).Msg("done")
	return err
}
