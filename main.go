package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/fzft/go-mini-httpd/cmd"
	"github.com/fzft/go-mini-httpd/config"
	"github.com/fzft/go-mini-httpd/log"
	"github.com/fzft/go-mini-httpd/metrics"
	"github.com/fzft/go-mini-httpd/node"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <port>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       %s probe <host:port>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       %s version\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nenvironment: %s=<config.yaml> %s=<dir>\n", config.EnvConfigFile, config.EnvDocRoot)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "probe":
		if len(os.Args) != 3 {
			usage()
			os.Exit(1)
		}
		if err := cmd.NewProbe(os.Args[2], os.Stdout).Run(os.Stdin); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version", "-v", "--version":
		fmt.Println(Version())
	case "-h", "--help":
		usage()
	default:
		if err := serve(os.Args[1]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}

func serve(portArg string) error {
	port, err := strconv.Atoi(portArg)
	if err != nil {
		return fmt.Errorf("invalid port %q", portArg)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	cfg.Port = port

	if err := log.InitLogger(cfg.LogLevel); err != nil {
		return err
	}
	defer log.Sync()
	log.Logger.Info("starting", zap.String("version", Version()))

	ctx := context.Background()

	var provider metric.MeterProvider
	if cfg.Metrics.OTLPEndpoint != "" {
		mp, err := metrics.NewProvider(ctx, cfg.Metrics.OTLPEndpoint, cfg.Metrics.Interval)
		if err != nil {
			log.Logger.Error("metrics provider", zap.Error(err))
			return err
		}
		defer func() {
			if err := mp.Shutdown(context.Background()); err != nil {
				log.Logger.Warn("metrics shutdown", zap.Error(err))
			}
		}()
		provider = mp
	}

	s, err := node.NewServer(cfg, provider)
	if err != nil {
		log.Logger.Error("invalid configuration", zap.Error(err))
		return err
	}
	if err := s.Run(ctx); err != nil {
		log.Logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	return nil
}
