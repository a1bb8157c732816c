package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tetherchat/tether/internal/daemon"
	"github.com/tetherchat/tether/internal/session"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "device profile name (overrides TETHER_PROFILE)")
	userFlag := flag.String("user", "", "local user id")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *userFlag == "" {
		fmt.Fprintln(os.Stderr, "error: -user is required")
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: profile, UserID: *userFlag}),
	)

	app.Run()
}
