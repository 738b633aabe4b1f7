package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tracebench/tracebench/internal/logging"
	"github.com/tracebench/tracebench/internal/mockserver"
)

func main() {
	addr := flag.String("addr", ":30001", "Server address")
	model := flag.String("model", "mock-llm", "Model id reported by /v1/models")
	ttft := flag.Duration("ttft", 0, "Delay before the first token")
	interToken := flag.Duration("inter-token", 0, "Delay between tokens")
	failEvery := flag.Int("fail-every", 0, "Answer every Nth request with 503")
	maxTokens := flag.Int("max-tokens-cap", 0, "Upper bound on streamed tokens")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logging.Setup(logging.Config{Level: *logLevel, Format: "text"})

	behavior := mockserver.DefaultBehavior()
	behavior.Model = *model
	if *ttft > 0 {
		behavior.TTFT = *ttft
	}
	if *interToken > 0 {
		behavior.InterToken = *interToken
	}
	behavior.FailEvery = *failEvery
	behavior.MaxTokensCap = *maxTokens

	server := mockserver.NewServer(mockserver.NewState(behavior))

	// Handle graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down mock inference server")
		os.Exit(0)
	}()

	if err := server.Run(*addr); err != nil {
		slog.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
