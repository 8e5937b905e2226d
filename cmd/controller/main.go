package main

import (
	"context"
	"os"
	"time"

	"github.com/giongto35/synthmesh/pkg/api"
	"github.com/giongto35/synthmesh/pkg/config"
	"github.com/giongto35/synthmesh/pkg/logger"
	"github.com/giongto35/synthmesh/pkg/node"
	sys "github.com/giongto35/synthmesh/pkg/os"

	flag "github.com/spf13/pflag"
)

var Version = "?"

func main() {
	conf, err := config.NewConfig(config.Path(os.Args[1:]))
	if err != nil {
		logger.Default().Fatal().Err(err).Msg("config")
	}
	conf.WithFlags(flag.CommandLine)
	flag.Parse()
	conf.Node.Role = api.Controller.String()

	log := logger.NewConsole(conf.Node.Debug, "c", conf.Node.NoColor)
	if conf.Node.Json {
		log = logger.New(conf.Node.Debug)
	}
	log.Info().Msgf("version %s", Version)
	log.Debug().Msgf("config: %+v", conf)

	app, err := node.NewApp(conf, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init")
	}
	app.Start()
	<-sys.ExpectTermination()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("service shutdown errors")
	}
}
