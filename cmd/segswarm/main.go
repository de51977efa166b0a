package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/WendelHime/segswarm/internal/cluster"
	"github.com/WendelHime/segswarm/internal/config"
	"github.com/WendelHime/segswarm/internal/storage"
	"github.com/spf13/afero"
)

func main() {
	var (
		configPath string
		rank       int
		mode       string
		peers      int
		inputDir   string
		outputDir  string
		logPath    string
	)
	flag.StringVar(&configPath, "config", "", "Specify a YAML config file")
	flag.IntVar(&rank, "rank", 0, "Specify the rank to run in tcp mode, 0 is the tracker")
	flag.StringVar(&mode, "mode", "", "Specify the network mode: local or tcp")
	flag.IntVar(&peers, "peers", 0, "Specify the number of peers in local mode")
	flag.StringVar(&inputDir, "in", "", "Specify the directory holding in<rank>.txt files")
	flag.StringVar(&outputDir, "out", "", "Specify the output directory")
	flag.StringVar(&logPath, "log", "", "Specify a log file instead of stderr")
	flag.Parse()

	fs := afero.NewOsFs()
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(fs, configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		cfg = loaded
	}
	if mode != "" {
		cfg.Network.Mode = mode
	}
	if peers > 0 {
		cfg.Network.Peers = peers
	}
	if inputDir != "" {
		cfg.Storage.InputDir = inputDir
	}
	if outputDir != "" {
		cfg.Storage.OutputDir = outputDir
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var logOut io.Writer = os.Stderr
	if logPath != "" {
		f, err := os.Create(logPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	logger := cfg.Log.NewLogger(logOut)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	source := storage.NewFileSource(fs, cfg.Storage.InputDir, cfg.Limits)
	sink := storage.NewFileSink(fs, cfg.Storage.OutputDir, logger)
	var opts []cluster.Option
	if cfg.Download.Progress {
		opts = append(opts, cluster.WithProgress(os.Stdout))
	}

	var (
		result cluster.Result
		err    error
	)
	switch cfg.Network.Mode {
	case config.ModeTCP:
		result, err = cluster.RunNode(ctx, cfg, rank, source, sink, logger, opts...)
	default:
		result, err = cluster.Run(ctx, cfg, source, sink, logger, opts...)
	}
	if err != nil {
		logger.Error("swarm run failed", slog.Any("error", err))
		stop()
		os.Exit(1)
	}

	for _, p := range result.Peers {
		for _, f := range p.Files {
			if !f.Complete {
				logger.Warn("file left incomplete", slog.Int("rank", p.Rank), slog.Int("file", f.FileID),
					slog.String("missing", strings.Trim(fmt.Sprint(f.Missing), "[]")), slog.Bool("unservable", f.Unservable))
			}
		}
	}
	logger.Info("swarm run finished", slog.Int("peers", len(result.Peers)), slog.Int("terminations", result.Tracker.Terminations))
}
