package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/parla/internal/config"
	"github.com/matheus3301/parla/internal/profile"
	"github.com/matheus3301/parla/internal/relay"
)

func main() {
	configFlag := flag.String("config", "", "config file (default ~/.parla/config.toml)")
	listenFlag := flag.String("listen", "", "listen address (overrides [server] listen)")
	flag.Parse()

	path := *configFlag
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.Resolve(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *listenFlag != "" {
		cfg.Server.Listen = *listenFlag
	}

	app := fx.New(
		relay.Module(relay.Params{Config: cfg}),
	)

	app.Run()
}
