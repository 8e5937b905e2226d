package node

import (
	"context"

	"github.com/giongto35/synthmesh/pkg/config"
	"github.com/giongto35/synthmesh/pkg/logger"
	"github.com/giongto35/synthmesh/pkg/monitoring"
	"github.com/giongto35/synthmesh/pkg/service"
	"github.com/giongto35/synthmesh/pkg/webrtc"
)

// App is a node with its supporting services.
type App struct {
	*Node
	services service.Group
}

func NewApp(conf config.NodeConfig, log *logger.Logger) (*App, error) {
	factory, err := webrtc.NewApiFactory(conf.Webrtc, log, nil)
	if err != nil {
		return nil, err
	}
	n, err := New(conf, factory, log)
	if err != nil {
		return nil, err
	}
	app := &App{Node: n}
	if conf.Monitoring.IsEnabled() {
		mon, err := monitoring.New(conf.Monitoring, n.Metrics(), log)
		if err != nil {
			return nil, err
		}
		app.services.Add(mon)
	}
	app.services.Add(n)
	return app, nil
}

func (a *App) Start() { a.services.Start() }

func (a *App) Shutdown(ctx context.Context) error { return a.services.Shutdown(ctx) }
