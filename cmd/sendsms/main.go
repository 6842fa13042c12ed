package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"github.com/ebobo/uplink_failover_go/pkg/config"
	"github.com/ebobo/uplink_failover_go/pkg/logging"
	"github.com/ebobo/uplink_failover_go/pkg/modem"
	"github.com/ebobo/uplink_failover_go/pkg/notify"
)

var opt struct {
	ConfigFile string   `short:"c" long:"config" env:"FAILOVER_CONFIG" default:"/etc/uplink-failover/config.yaml" description:"runtime configuration file"`
	To         []string `short:"t" long:"to" description:"recipient, repeatable; defaults to the configured recipients"`
	LogLevel   string   `long:"log-level" default:"info" description:"debug, info, warn or error"`
	Args       struct {
		Message []string `positional-arg-name:"message" required:"yes"`
	} `positional-args:"yes"`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("error loading .env: %v", err)
	}
	if _, err := flags.Parse(&opt); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	logger, _, err := logging.Setup("", opt.LogLevel)
	if err != nil {
		log.Fatalf("error setting up logging: %v", err)
	}

	cfg, err := config.Load(opt.ConfigFile)
	if err != nil {
		logger.WithError(err).Fatal("error loading configuration")
	}
	recipients := opt.To
	if len(recipients) == 0 {
		recipients = cfg.RecipientList()
	}

	n := notify.New(config.Static(cfg), modem.OpenSerial, nil, logger)
	req := notify.NewRequest(notify.KindManual, strings.Join(opt.Args.Message, " "), recipients, time.Now())
	results, err := n.Notify(context.Background(), req)
	for _, r := range results {
		if r.Sent {
			fmt.Printf("%s: sent\n", r.Recipient)
		} else {
			fmt.Printf("%s: failed: %s\n", r.Recipient, r.Error)
		}
	}
	if err != nil || notify.Failed(results) > 0 {
		os.Exit(1)
	}
}
