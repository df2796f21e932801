package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		configPath = flag.String("config", DefaultConfigFile, "Path to the YAML config file")
		webOnly    = flag.Bool("web-only", false, "Run only the web interface, without printer or tag reader")
		port       = flag.String("port", "", "Web interface port (overrides config)")
		host       = flag.String("host", "0.0.0.0", "Web interface host")
	)
	flag.Parse()

	loadDotEnv()

	store, err := OpenStore(getDBFilePath())
	if err != nil {
		log.Fatalf("Failed to open settings store: %v", err)
	}
	defer store.Close()

	config, err := LoadConfig(store, *configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	setupLogging(config.LogLevel)
	if *port != "" {
		config.WebPort = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, store, *host, *webOnly); err != nil {
		log.Fatalf("Exited with error: %v", err)
	}
	log.Info("Shut down")
}

// run starts every service and waits for them to stop
func run(ctx context.Context, config *Config, store *Store, host string, webOnly bool) error {
	events := NewEvents()
	transport := NewMQTTTransport(config.Printer)
	session := NewPrinterSession(transport, transport.Inbound(), transport.Connectivity(), events)

	var tag *SpoolTag
	if !webOnly {
		device, err := OpenPN532(config.Tag.Device, config.ScanTimeout())
		if err != nil {
			log.Warnf("Tag reader unavailable, continuing without it: %v", err)
		} else {
			defer device.Close()
			tag = NewSpoolTag(device, events.Tag)
		}
	}

	bridge := NewSpoolBridge(config, store, session, tag, events)
	transport.OnDiscovered = bridge.OnPrinterDiscovered
	web := NewWebServer(bridge)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return session.Run(ctx) })
	g.Go(func() error { return bridge.Run(ctx) })
	g.Go(func() error { return web.Run(ctx, net.JoinHostPort(host, config.WebPort)) })

	switch {
	case webOnly:
		log.Info("Running web interface only")
	case config.MissingPrinterLogin():
		log.Warn("Printer serial or access code not configured, printer connection disabled")
	default:
		log.Infof("Connecting to printer %s", config.Printer.Serial)
		g.Go(func() error { return transport.Run(ctx) })
	}
	if tag != nil {
		g.Go(func() error { return tag.Run(ctx) })
	}

	return g.Wait()
}
