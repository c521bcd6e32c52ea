// Command ibkrsync keeps a local store in sync with an IBKR Client Portal
// gateway.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
)

var configPath = flag.String("config", "", "path to config file; built-in defaults when empty")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&versionCmd{}, "")

	subcommands.Register(&syncCmd{}, "sync")
	subcommands.Register(&statusCmd{}, "sync")
	subcommands.Register(&validateCmd{}, "sync")

	subcommands.Register(&serveCmd{}, "daemon")

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := subcommands.Execute(ctx)
	stop()
	os.Exit(int(status))
}
