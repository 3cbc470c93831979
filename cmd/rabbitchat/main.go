// Command rabbitchat is a minimal CLI entrypoint: it wires a chatnode up
// with a println callback and blocks until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prxssh/rabbitchat/internal/chatnode"
	"github.com/prxssh/rabbitchat/internal/config"
	"github.com/prxssh/rabbitchat/internal/protocol"
	"github.com/prxssh/rabbitchat/internal/utils/logging"
)

func main() {
	setupLogger()

	var (
		username = flag.String("username", "anon", "display name broadcast in presence envelopes")
		host     = flag.String("host", "0.0.0.0", "address to listen on")
		port     = flag.Int("port", 5000, "TCP port to listen on")
	)
	flag.Parse()

	config.Update(func(c *config.Config) {
		if dir := os.Getenv("RABBITCHAT_DOWNLOAD_DIR"); dir != "" {
			c.DownloadDir = dir
		}
	})

	if err := os.MkdirAll(config.Load().DownloadDir, 0o755); err != nil {
		slog.Error("failed to prepare download directory", "error", err.Error())
		os.Exit(1)
	}

	node := chatnode.New(slog.Default(), *username, *host, *port)
	node.RegisterMessageCallback(func(env *protocol.Envelope) {
		switch env.Type {
		case protocol.TypeChat:
			fmt.Printf("<%s> %s\n", env.Sender, env.Content)
		case protocol.TypeSystem:
			fmt.Printf("* %s\n", env.Content)
		case protocol.TypeUserUpdate:
			fmt.Printf("* online: %v\n", env.Users)
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := node.Start(ctx); err != nil {
		slog.Error("failed to start node", "error", err.Error())
		os.Exit(1)
	}

	<-ctx.Done()
	node.Stop()
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
}
