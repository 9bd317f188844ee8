package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"pixelnode/internal/config"
	"pixelnode/internal/controller"
	"pixelnode/internal/logger"
	"pixelnode/internal/netaddr"
	"pixelnode/internal/status"
	"pixelnode/internal/strip"
	"pixelnode/internal/transport"
)

// Version is set at build time: -ldflags "-X main.Version=1.2.3"
var Version = "dev"

var (
	configFile  string
	logLevel    string
	showVersion bool
)

func init() {
	flag.StringVarP(&configFile, "config", "c", "/etc/pixelnode/config.toml", "Path to configuration file (.toml or .yaml)")
	flag.StringVar(&logLevel, "log-level", "", "Override the configured log level")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
}

func main() {
	flag.Parse()
	if showVersion {
		fmt.Println(Version)
		return
	}
	os.Exit(run())
}

func run() int {
	cfg, err := config.NewConfig(configFile)
	if err != nil {
		fmt.Printf("configuration file read error: %v\n", err)
		return 1
	}
	if logLevel != "" {
		cfg.Logger.Level = logLevel
	}

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Printf("failed to create a logger: %v\n", err)
		return 1
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Printf("failed to close the log file: %v\n", err)
		}
	}()
	mainLog := log.Module("main")
	mainLog.Infof("Starting pixelnode %s (%s, %d pixels)...", Version, cfg.Name, cfg.NumAddrs())

	resolver, err := newResolver(log, cfg.Resolver)
	if err != nil {
		mainLog.Errorf("resolver: %v", err)
		return 1
	}

	driver, err := strip.New(log, cfg)
	if err != nil {
		mainLog.Errorf("error while creating the LED driver: %v", err)
		return 1
	}
	if err := driver.Start(); err != nil {
		mainLog.Errorf("failed to start the LED driver: %v", err)
		return 1
	}
	defer driver.Stop()

	// Основной сокет: данные пикселей и handshake.
	sock, err := transport.Listen(cfg.Port)
	if err != nil {
		mainLog.Errorf("failed to bind main socket: %v", err)
		return 1
	}
	defer sock.Close()
	mainLog.Infof("Initialized the main UDP socket on %s", sock.LocalAddr())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	var pub status.Publisher = status.Nop{}
	if cfg.MQTT.Enabled {
		client := status.NewClient(log, cfg.MQTT, cfg.Name)
		if err := client.Start(ctx); err != nil {
			mainLog.Errorf("failed to start MQTT status: %v", err)
		} else {
			pub = client
		}
	}
	defer func() {
		if err := pub.Stop(); err != nil {
			mainLog.Errorf("failed to stop MQTT status: %v", err)
		}
	}()

	if err := controller.New(log, cfg, sock, driver, resolver, pub).Run(ctx); err != nil {
		mainLog.Errorf("controller stopped: %v", err)
		return 1
	}

	mainLog.Info("shutdown complete")
	return 0
}

func newResolver(log *logger.Log, cfg config.ResolverConf) (netaddr.Resolver, error) {
	primary, err := netaddr.New(cfg.Strategy, cfg.Subnet, cfg.Netmask, cfg.Command)
	if err != nil {
		return nil, err
	}
	if cfg.Fallback == "" {
		return primary, nil
	}
	secondary, err := netaddr.New(cfg.Fallback, cfg.Subnet, cfg.Netmask, cfg.Command)
	if err != nil {
		return nil, err
	}
	resolverLog := log.Module("netaddr")
	return &netaddr.Fallback{
		Primary:   primary,
		Secondary: secondary,
		OnFallback: func(err error) {
			resolverLog.Warnf("%s resolver failed, trying %s: %v", cfg.Strategy, cfg.Fallback, err)
		},
	}, nil
}
