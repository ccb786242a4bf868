// Package main implements a mock gateway binary that speaks the frame
// protocol of deployed gateway containers over a WebSocket. It serves
// deterministic scripted chat replies so the control plane can be
// developed and tested without launching containers.
//
// Prompt directives control the scripted reply; see scriptFor.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:18789", "listen address for the WebSocket endpoint")
		token      = flag.String("token", "mock-token", "gateway token the connect handshake must present")
		replyDelay = flag.Duration("reply-delay", 500*time.Millisecond, "delay before a scripted reply lands in the history")
		dropEvery  = flag.Int("drop-seq-every", 0, "burn an event sequence number every N events (0 disables)")
		logLevel   = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: *logLevel, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-gateway: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	srv := newServer(serverConfig{
		Token:      *token,
		ReplyDelay: *replyDelay,
		DropEvery:  *dropEvery,
	}, log)

	log.Info("mock gateway listening",
		zap.String("url", "ws://"+*addr),
		zap.Duration("reply_delay", *replyDelay))
	if err := http.ListenAndServe(*addr, srv); err != nil {
		log.Fatal("mock gateway stopped", zap.Error(err))
	}
}
