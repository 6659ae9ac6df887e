// Command server runs a single goredis node: either a primary or, when
// --replicaof is given, a replica of another node.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"gopkg.in/op/go-logging.v1"

	"goredis/internal/server"
)

var log = logging.MustGetLogger("main")

func main() {
	os.Exit(run())
}

func run() int {
	port := flag.Int("port", 6379, "port to listen on")
	replicaof := flag.String("replicaof", "", `master host and port, e.g. --replicaof "localhost 6380"`)
	dir := flag.String("dir", "", "directory containing the startup snapshot")
	dbfilename := flag.String("dbfilename", "", "snapshot filename within --dir")
	flag.Parse()

	configureLogging()

	cfg := server.DefaultConfig()
	cfg.Port = *port
	cfg.Dir = *dir
	cfg.DBFilename = *dbfilename
	if *replicaof != "" {
		host, portStr, ok := strings.Cut(strings.TrimSpace(*replicaof), " ")
		if !ok {
			log.Fatalf("invalid --replicaof value %q, expected \"host port\"", *replicaof)
		}
		cfg.ReplicaOfHost = host
		p, err := strconv.Atoi(strings.TrimSpace(portStr))
		if err != nil {
			log.Fatalf("invalid --replicaof port %q: %v", portStr, err)
		}
		cfg.ReplicaOfPort = p
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Errorf("failed to construct server: %v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	log.Infof("starting goredis on port %d", cfg.Port)
	if err := srv.Run(ctx); err != nil {
		log.Errorf("server exited with error: %v", err)
		return 1
	}
	return 0
}

func configureLogging() {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(
		`%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`,
	))
	logging.SetBackend(formatted)
}
