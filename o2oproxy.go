package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/o2oproxy/o2oproxy/proxy"
)

var version string = "0"
var commit string = "abcd1234"
var date = "unknown"

func main() {
	configPath := flag.String("config", "config.yaml", "config file name")
	listenStr := flag.String("listen", "", "listen ip/port, overrides config")
	dataDir := flag.String("data", "", "state directory, overrides config")
	showVersion := flag.Bool("version", false, "show version of build")

	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s (%s), built at %s\n", version, commit, date)
		os.Exit(0)
	}

	// optional .env next to the binary, real env wins
	godotenv.Load()

	config, err := proxy.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *listenStr != "" {
		config.Listen = *listenStr
	}
	if *dataDir != "" {
		config.DataDir = *dataDir
	}

	if mode := os.Getenv("GIN_MODE"); mode != "" {
		gin.SetMode(mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := proxy.NewLogMonitor()
	logger.SetLogLevel(proxy.ParseLogLevel(config.LogLevel))

	shutdownTracing, err := proxy.InitTracing(context.Background(), config.TraceEndpoint)
	if err != nil {
		fmt.Printf("Error initializing tracing: %v\n", err)
		os.Exit(1)
	}

	proxyManager, err := proxy.New(config, logger)
	if err != nil {
		fmt.Printf("Error starting proxy: %v\n", err)
		os.Exit(1)
	}
	proxyManager.StartHealthChecks()

	srv := &http.Server{
		Addr:    config.Listen,
		Handler: proxyManager,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Infof("shutting down o2oproxy")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)

		proxyManager.Shutdown()
		shutdownTracing(ctx)
		os.Exit(0)
	}()

	logger.Infof("o2oproxy listening on %s", config.Listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Printf("Server error: %v\n", err)
		os.Exit(1)
	}
}
