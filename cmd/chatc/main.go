package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/roamly/roamchat/internal/client/daemon"
	"github.com/roamly/roamchat/internal/config"
	"github.com/roamly/roamchat/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config)")
	apiFlag := flag.String("api", "", "API base URL (overrides config)")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		cfg = &config.Config{}
		cfg.ApplyDefaults()
	}

	if *apiFlag != "" {
		cfg.Client.APIBase = *apiFlag
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Profile: name,
			Client:  cfg.Client,
		}),
	)

	app.Run()
}
