package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/parla/internal/daemon"
	"github.com/matheus3301/parla/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "device profile (overrides config default)")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: name}),
	)

	app.Run()
}
