package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ebobo/uplink_failover_go/pkg/config"
	"github.com/ebobo/uplink_failover_go/pkg/failover"
	"github.com/ebobo/uplink_failover_go/pkg/logging"
	"github.com/ebobo/uplink_failover_go/pkg/modem"
	"github.com/ebobo/uplink_failover_go/pkg/notify"
	"github.com/ebobo/uplink_failover_go/pkg/probe"
	"github.com/ebobo/uplink_failover_go/pkg/route"
	"github.com/ebobo/uplink_failover_go/pkg/runner"
	"github.com/ebobo/uplink_failover_go/pkg/server"
	sqlitestore "github.com/ebobo/uplink_failover_go/pkg/store/sqlite"
	"github.com/ebobo/uplink_failover_go/pkg/utility"
)

var opt struct {
	ConfigFile string `short:"c" long:"config" env:"FAILOVER_CONFIG" default:"/etc/uplink-failover/config.yaml" description:"runtime configuration file"`
	HTTPAddr   string `long:"http-addr" env:"FAILOVER_HTTP_ADDR" default:"127.0.0.1:9090" description:"admin http listen address"`
	NoHTTP     bool   `long:"no-http" description:"do not start the admin http interface"`
	SqliteFile string `long:"sqlite-file" env:"SQLITE_FILE" default:"/var/lib/uplink-failover/failover.db" description:"sqlite file"`
	LogFile    string `long:"log-file" env:"FAILOVER_LOG_FILE" default:"/var/log/uplink-failover/monitor.log" description:"append-only log file, empty for stdout only"`
	LogLevel   string `long:"log-level" env:"FAILOVER_LOG_LEVEL" default:"info" description:"debug, info, warn or error"`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("error loading .env: %v", err)
	}
	if _, err := flags.Parse(&opt); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		log.Fatalf("error parsing flags: %v", err)
	}

	logger, logFile, err := logging.Setup(opt.LogFile, opt.LogLevel)
	if err != nil {
		log.Fatalf("error setting up logging: %v", err)
	}
	defer logFile.Close()

	provider, err := config.NewFileProvider(opt.ConfigFile, logger)
	if err != nil {
		logger.WithError(err).Fatal("error loading configuration")
	}
	cfg := provider.Current()

	if err := utility.EnsureParentDir(opt.SqliteFile); err != nil {
		logger.WithError(err).Fatal("error creating database directory")
	}
	db, created, err := sqlitestore.New(opt.SqliteFile, logger)
	if err != nil {
		logger.WithError(err).Fatal("error connect to sqlite")
	}
	defer db.Close()
	if !created {
		logger.WithField("db", opt.SqliteFile).Info("db already exists")
	}

	exec := runner.Exec{}
	notifier := notify.New(provider, modem.OpenSerial, db, logger.WithField("component", "notifier"))
	dispatcher := notify.NewDispatcher(notifier, logger.WithField("component", "dispatcher"))
	ctrl := failover.New(failover.Deps{
		Config:  provider,
		Prober:  probe.New(exec, nil, logger.WithField("component", "prober")),
		Routes:  route.New(exec, logger.WithField("component", "routes"), cfg.RouteMetric),
		History: db,
		Queue:   dispatcher,
		Sender:  notifier,
		LinkUp:  failover.NewScriptActivator(exec, logger.WithField("component", "linkup")),
	}, logger.WithField("component", "controller"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if !opt.NoHTTP {
		hub := server.NewEventHub(ctrl.Snapshot, logger.WithField("component", "events"))
		ctrl.OnTransition(hub.Publish)

		srv := server.New(server.Config{
			HTTPListenAddr: opt.HTTPAddr,
			Core:           ctrl,
			DB:             db,
			Events:         hub,
			Log:            logger.WithField("component", "http"),
		})
		if err := srv.Start(); err != nil {
			logger.WithError(err).Fatal("error starting server")
		}
		g.Go(func() error {
			<-ctx.Done()
			srv.Shutdown()
			return nil
		})
	}

	logger.WithFields(logrus.Fields{
		"primary":   cfg.PrimaryInterface,
		"secondary": cfg.SecondaryInterface,
		"interval":  cfg.CheckInterval,
	}).Info("uplink failover monitor starting")

	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return ctrl.Run(ctx) })

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("uplink failover monitor stopped")
		return
	}
	logger.Info("uplink failover monitor stopped")
}
