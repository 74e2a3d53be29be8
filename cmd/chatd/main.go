package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/roamly/roamchat/internal/config"
	"github.com/roamly/roamchat/internal/profile"
	"github.com/roamly/roamchat/internal/server/daemon"
	"go.uber.org/fx"
)

func main() {
	listenFlag := flag.String("listen", "", "listen address (overrides config)")
	dbFlag := flag.String("db", "", "database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		cfg = &config.Config{}
		cfg.ApplyDefaults()
	}

	listen := cfg.Server.Listen
	if *listenFlag != "" {
		listen = *listenFlag
	}
	dbPath := cfg.Server.DBPath
	if *dbFlag != "" {
		dbPath = *dbFlag
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Listen:      listen,
			DBPath:      dbPath,
			TokenSecret: cfg.Server.TokenSecret,
		}),
	)

	app.Run()
}
