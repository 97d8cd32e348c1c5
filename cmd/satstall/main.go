package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/urfave/cli.v1"

	"gitlab.com/satstall/satstall/api"
	"gitlab.com/satstall/satstall/async"
	"gitlab.com/satstall/satstall/build"
	"gitlab.com/satstall/satstall/bus"
	"gitlab.com/satstall/satstall/db"
	"gitlab.com/satstall/satstall/lifecycle"
	"gitlab.com/satstall/satstall/ln"
	"gitlab.com/satstall/satstall/models/settings"
	"gitlab.com/satstall/satstall/nostr"
	"gitlab.com/satstall/satstall/nostr/mirror"
	"gitlab.com/satstall/satstall/nostr/relaypool"
	"gitlab.com/satstall/satstall/notify"
	"gitlab.com/satstall/satstall/pay"
	"gitlab.com/satstall/satstall/pay/hosteddriver"
	"gitlab.com/satstall/satstall/pay/lnddriver"
	"gitlab.com/satstall/satstall/pay/swapdriver"
	"gitlab.com/satstall/satstall/util"
	"gitlab.com/satstall/satstall/watcher"
)

var log = build.AddSubLogger("MAIN")

// exit codes, distinguishable for process supervisors
const (
	exitConfig   = 1
	exitDatabase = 2
	exitShutdown = 3
)

const (
	httpDrainTimeout = 5 * time.Second
	pendingOrderTTL  = 24 * time.Hour
	sweepInterval    = 10 * time.Minute
)

var (
	// DatabaseFile is the SQLite file the shop stores everything in
	DatabaseFile string
	// AdminPIN guards the admin endpoints
	AdminPIN string
	// SessionSecret signs the session cookie
	SessionSecret string
	// PaymentProvider selects the payment driver: lnd, swap or hosted
	PaymentProvider string
	// OnchainMinSats is the smallest order total allowed to pay on-chain
	OnchainMinSats int

	// lnConfig is the connection to LND, read from CLI parameters
	lnConfig ln.LightningConfig
	// network is the bitcoin network our application runs on
	network chaincfg.Params
	// logLevel is the parsed --loglevel flag
	logLevel = logrus.InfoLevel
)

func init() {
	DatabaseFile = util.GetEnvOrElse("DB_FILE", "satstall.db")
	AdminPIN = util.GetEnvOrFail("ADMIN_PIN")
	SessionSecret = util.GetEnvOrFail("SESSION_SECRET")
	PaymentProvider = util.GetEnvOrElse("PAYMENT_PROVIDER", "lnd")
	OnchainMinSats = util.GetEnvAsIntOrElse("ONCHAIN_MIN_SATS", 10000)
}

const (
	rpcAwaitAttempts = 5
	rpcAwaitDuration = time.Second
)

// awaitLnd tries to get a RPC response from lnd, returning an error if that
// isn't possible within a set of attempts
func awaitLnd(lncli lnrpc.LightningClient) error {
	return async.RetryNoBackoff(rpcAwaitAttempts, rpcAwaitDuration, func() error {
		_, err := lncli.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
		return err
	})
}

// buildDriver constructs the payment driver selected with PAYMENT_PROVIDER.
func buildDriver(ctx context.Context) (pay.Driver, error) {
	switch PaymentProvider {
	case "lnd":
		lncli, err := ln.NewLNDClient(lnConfig)
		if err != nil {
			return nil, errors.Wrap(err, "could not connect to lnd")
		}
		if err := awaitLnd(lncli); err != nil {
			return nil, errors.Wrap(err, "lnd is not reachable")
		}
		log.Info("lnd is properly started")
		return lnddriver.New(ctx, lncli), nil

	case "swap":
		return swapdriver.New(swapdriver.Config{
			BaseURL:       util.GetEnvOrFail("SWAP_API_URL"),
			WebhookSecret: util.GetEnvOrElse("SWAP_WEBHOOK_SECRET", ""),
		})

	case "hosted":
		return hosteddriver.New(hosteddriver.Config{
			BaseURL:       util.GetEnvOrFail("HOSTED_API_URL"),
			APIKey:        util.GetEnvOrFail("HOSTED_API_KEY"),
			StoreID:       util.GetEnvOrFail("HOSTED_STORE_ID"),
			WebhookSecret: util.GetEnvOrElse("HOSTED_WEBHOOK_SECRET", ""),
		})

	default:
		return nil, errors.Errorf(
			"unknown payment provider %q, valid: lnd, swap, hosted", PaymentProvider)
	}
}

// buildSender returns the mail sender, or nil when SMTP is not configured.
func buildSender() (notify.Sender, error) {
	host := util.GetEnvOrElse("SMTP_HOST", "")
	if host == "" {
		return nil, nil
	}
	sender, err := notify.NewSMTPSender(notify.SMTPConfig{
		Host:     host,
		Port:     util.GetEnvAsIntOrElse("SMTP_PORT", 587),
		User:     util.GetEnvOrElse("SMTP_USER", ""),
		Password: util.GetEnvOrElse("SMTP_PASSWORD", ""),
		From:     util.GetEnvOrFail("SMTP_FROM"),
		ReplyTo:  util.GetEnvOrElse("SMTP_REPLY_TO", ""),
	})
	if err != nil {
		return nil, err
	}
	return sender, nil
}

// shopSecretKey reads the shop's Nostr identity. Returns nil when the shop
// runs without Nostr.
func shopSecretKey() (*btcec.PrivateKey, error) {
	raw := util.GetEnvOrElse("SHOP_NOSTR_SECRET", "")
	if raw == "" {
		return nil, nil
	}
	return nostr.ParseSecretKey(raw)
}

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "Starts the storefront payment and order API",
	Action: func(c *cli.Context) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		database, err := db.Open(db.DatabaseConfig{File: DatabaseFile})
		if err != nil {
			return cli.NewExitError(err, exitDatabase)
		}
		defer func() { _ = database.Close() }()

		if err := database.MigrateUp(); err != nil {
			return cli.NewExitError(err, exitDatabase)
		}

		driver, err := buildDriver(ctx)
		if err != nil {
			return cli.NewExitError(err, exitConfig)
		}

		sender, err := buildSender()
		if err != nil {
			return cli.NewExitError(err, exitConfig)
		}

		shopKey, err := shopSecretKey()
		if err != nil {
			return cli.NewExitError(
				errors.Wrap(err, "bad SHOP_NOSTR_SECRET"), exitConfig)
		}

		s, err := settings.Get(database)
		if err != nil {
			return cli.NewExitError(err, exitDatabase)
		}

		var pool *relaypool.Pool
		if shopKey != nil && len(s.Nostr.Relays) > 0 {
			pool, err = relaypool.New(ctx, relaypool.Config{
				Relays: s.Nostr.Relays,
			})
			if err != nil {
				return cli.NewExitError(err, exitConfig)
			}
			defer pool.Stop()
		}

		events := bus.New()
		dispatcher := notify.New(database, pool, sender, shopKey)
		machine := lifecycle.New(database, events, dispatcher)
		watchers := watcher.NewManager(ctx, database, driver, machine, events)

		if err := watchers.RespawnAll(); err != nil {
			return cli.NewExitError(err, exitDatabase)
		}
		go watchers.SweepLoop(pendingOrderTTL, sweepInterval)

		var m *mirror.Mirror
		if pool != nil {
			m = mirror.New(database, pool, shopKey)
			go func() {
				if err := m.SyncAll(ctx); err != nil {
					log.WithError(err).Warn("Initial Nostr mirror sync failed")
				}
			}()
		}

		a, err := api.NewApp(database, driver, machine, watchers, events,
			dispatcher, m, pool, shopKey, api.Config{
				LogLevel:       logLevel,
				SessionSecret:  []byte(SessionSecret),
				AdminPIN:       AdminPIN,
				CORSOrigins:    c.StringSlice("cors-origin"),
				OnchainMinSats: int64(OnchainMinSats),
			})
		if err != nil {
			return cli.NewExitError(err, exitConfig)
		}

		srv := &http.Server{
			Addr:    ":" + c.String("port"),
			Handler: a.Router,
		}

		serveErr := make(chan error, 1)
		go func() {
			log.WithField("addr", srv.Addr).Info("Serving HTTP")
			serveErr <- srv.ListenAndServe()
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-serveErr:
			return err
		case sig := <-quit:
			log.WithField("signal", sig.String()).Info("Shutting down")
		}

		// two phases: stop accepting requests, then stop the watchers so no
		// transition commits after the HTTP surface is gone
		drainCtx, drainCancel := context.WithTimeout(
			context.Background(), httpDrainTimeout)
		defer drainCancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			log.WithError(err).Error("HTTP drain timed out")
			watchers.Stop()
			return cli.NewExitError(err, exitShutdown)
		}

		watchers.Stop()
		return nil
	},

	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "port",
			Value: "5000",
			Usage: "Port number to listen on",
		},
		cli.StringSliceFlag{
			Name:  "cors-origin",
			Usage: "Browser origin allowed to call the API, repeatable",
		},
	},
}

var dbCommand = cli.Command{
	Name:  "db",
	Usage: "Database related commands",
	Subcommands: []cli.Command{
		{
			Name:    "up",
			Aliases: []string{"mu"},
			Usage:   "migrates the database up",
			Action: func(c *cli.Context) error {
				database, err := db.Open(db.DatabaseConfig{File: DatabaseFile})
				if err != nil {
					return cli.NewExitError(err, exitDatabase)
				}
				defer func() { _ = database.Close() }()
				return database.MigrateUp()
			},
		},
		{
			Name:    "status",
			Aliases: []string{"s"},
			Usage:   "check migrations status and version number",
			Action: func(c *cli.Context) error {
				database, err := db.Open(db.DatabaseConfig{File: DatabaseFile})
				if err != nil {
					return cli.NewExitError(err, exitDatabase)
				}
				defer func() { _ = database.Close() }()

				version, dirty, err := database.MigrationStatus()
				if err != nil {
					return err
				}
				fmt.Printf("version: %d dirty: %t\n", version, dirty)
				return nil
			},
		},
	},
}

func main() {
	app := cli.NewApp()
	app.Name = "satstall"
	app.Usage = "Self-hosted bitcoin storefront: payments, orders and Nostr mirror"
	app.Version = build.Version()
	app.EnableBashCompletion = true
	// have log levels be set for all commands/subcommands
	app.Before = func(c *cli.Context) error {
		level, err := build.ToLogLevel(c.GlobalString("loglevel"))
		if err != nil {
			return cli.NewExitError(err, exitConfig)
		}
		logLevel = level
		build.SetLogLevels(level)

		if dir := c.GlobalString("logdir"); dir != "" {
			if err := build.SetLogDir(dir); err != nil {
				return cli.NewExitError(err, exitConfig)
			}
		}

		networkString := c.GlobalString("network")
		switch networkString {
		case "mainnet":
			network = chaincfg.MainNetParams
		case "testnet", "testnet3":
			network = chaincfg.TestNet3Params
		case "regtest", "":
			network = chaincfg.RegressionNetParams
		default:
			return cli.NewExitError(fmt.Sprintf(
				"unknown network: %s. Valid: mainnet, testnet, regtest",
				networkString), exitConfig)
		}

		lnConfig = ln.LightningConfig{
			LndDir:       c.GlobalString("lnddir"),
			TLSCertPath:  c.GlobalString("tlscertpath"),
			MacaroonPath: c.GlobalString("macaroonpath"),
			Network:      network,
			RPCServer:    c.GlobalString("lndrpcserver"),
		}

		return nil
	}
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "lnddir",
			Value: ln.DefaultLndDir,
			Usage: "path to lnd's base directory",
		},
		cli.StringFlag{
			Name:  "tlscertpath",
			Usage: "path to TLS certificate (tls.cert)",
		},
		cli.StringFlag{
			Name:  "macaroonpath",
			Usage: "path to macaroon folder",
		},
		cli.StringFlag{
			Name:  "lndrpcserver",
			Value: ln.DefaultRpcServer,
			Usage: "host:port of ln daemon",
		},
		cli.StringFlag{
			Name:  "network",
			Usage: "the network lnd is running on e.g. mainnet, testnet, etc.",
		},
		cli.StringFlag{
			Name:  "loglevel",
			Value: logrus.InfoLevel.String(),
			Usage: "Logging level for all subsystems {trace, debug, info, warn, error, fatal, panic}",
		},
		cli.StringFlag{
			Name:  "logdir",
			Usage: "directory to write log files to",
		},
	}

	app.Commands = []cli.Command{
		serveCommand,
		dbCommand,
	}

	sort.Sort(cli.CommandsByName(app.Commands))
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
