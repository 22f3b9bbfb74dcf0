package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"dohgate/configx"
	"dohgate/ext/xlog"
	"dohgate/serverx"
)

var (
	configFile = "./configx/config.json"
	dumpJson   = false
	verbose    = false
)

func parseArgs() {
	flag.StringVar(&configFile, "config-file", configFile, "config file")
	flag.BoolVar(&dumpJson, "dump-json", dumpJson, "dump configuration with json format, then exit")
	flag.BoolVar(&verbose, "verbose", verbose, "verbose")

	flag.Parse()
}

func main() {
	parseArgs()
	cfg, err := configx.ParseConfig(configFile)
	if err != nil {
		panic(err)
	}

	if dumpJson {
		jsonStr, err := cfg.DumpJson()
		if err != nil {
			panic(err)
		}
		fmt.Printf("%s\n", jsonStr)
		return
	}
	if verbose {
		fmt.Printf("%#v\n", cfg)
	}

	l := &xlog.LogConfig{Level: cfg.Server.Main.LogLevel, Fd: cfg.Server.Main.LogFile}
	if err = l.Parse(); err != nil {
		fmt.Printf("[+] failed to init default logger\n")
		panic(err)
	}

	var wg sync.WaitGroup

	srv := serverx.NewServerMux(cfg)
	srv.Serve(&wg)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	sg := <-signalChan
	logEvent := xlog.Logger().Info().Str("log_type", "main").Str("signal", sg.String()).Str("op_type", "shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.Main.ShutdownTimeoutDuration)
	defer cancel()
	if err = srv.Shutdown(ctx); err != nil {
		logEvent.Err(err).Msg("server shutdown timeout, force quit")
		os.Exit(1)
	}
	logEvent.Msg("server shutdown completely")

	wg.Wait()
}
