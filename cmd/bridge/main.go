// Command bridge runs the provisioning link's bridge-side process: it
// binds a datagram transport to one or more devices, exposes the
// line-delimited JSON operator channel on stdio or a unix socket, and
// serializes every device operation through a single in-flight job.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"

	"github.com/dvo001/provlink/bridge/dispatch"
	"github.com/dvo001/provlink/bridge/operator"
	"github.com/dvo001/provlink/config"
	"github.com/dvo001/provlink/core/corelog"
	"github.com/dvo001/provlink/core/metrics"
	"github.com/dvo001/provlink/transport/udpdgram"
)

func main() {
	var cfgFile string
	var bridgeID string

	flag.StringVar(&cfgFile, "config", "bridge.toml", "bridge TOML configuration file")
	flag.StringVar(&bridgeID, "bridge_id", "", "identity string returned by the hello op (defaults to hostname)")
	flag.Parse()

	cfg, err := config.LoadBridge(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge: %v\n", err)
		os.Exit(1)
	}

	logFile := os.Stderr
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bridge: open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logFile = f
	}
	backend := corelog.New(logFile, cfg.Logging.Level)
	log := backend.GetLogger("cmd/bridge")

	log.Infof("bridge: starting, build %s", versioninfo.Short())

	if bridgeID == "" {
		if host, err := os.Hostname(); err == nil {
			bridgeID = host
		} else {
			bridgeID = "bridge"
		}
	}

	var mx *metrics.Registry
	if cfg.Metrics.Enabled {
		mx = metrics.New()
		go func() {
			log.Infof("bridge: metrics listening on %s", cfg.Metrics.Address)
			if err := http.ListenAndServe(cfg.Metrics.Address, mx.Handler()); err != nil {
				log.Warningf("bridge: metrics server exited: %v", err)
			}
		}()
	}

	link, err := udpdgram.Listen(cfg.Transport.Address, cfg.Transport.Channel)
	if err != nil {
		log.Fatalf("bridge: %v", err)
	}
	defer link.Close()

	devices := make(map[string]string, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices[d.ID] = d.Address
	}
	log.Infof("bridge: %d known device(s)", len(devices))

	d := dispatch.New(link, devices, cfg.Ops, mx)

	identity := operator.Identity{
		BridgeID:     bridgeID,
		Capabilities: []string{"provision", "readback", "reboot"},
		Channel:      channelNumber(cfg.Transport.Channel),
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("bridge: shutting down")
		cancel()
		link.Close()
	}()

	switch cfg.Operator.Kind {
	case "unix":
		if err := runUnixOperator(ctx, cfg.Operator.Address, d, identity, log); err != nil {
			log.Fatalf("bridge: operator listener: %v", err)
		}
	default:
		ch := operator.New(os.Stdin, os.Stdout, d, identity)
		if err := ch.Run(ctx); err != nil {
			log.Fatalf("bridge: operator channel: %v", err)
		}
	}
}

// channelNumber extracts a numeric channel id for the hello op's "chan"
// field from a free-form transport channel string, defaulting to 0.
func channelNumber(channel string) int {
	n := 0
	for _, r := range channel {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// runUnixOperator accepts a single operator connection at a time on a
// unix socket, running each to completion before accepting the next —
// the operator channel is inherently single-client, matching the one
// job-in-flight model of bridge/job.
func runUnixOperator(ctx context.Context, path string, d *dispatch.Dispatcher, identity operator.Identity, log interface {
	Infof(string, ...interface{})
	Warningf(string, ...interface{})
}) error {
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	defer ln.Close()
	defer os.Remove(path)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Infof("bridge: operator socket listening at %s", path)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Warningf("bridge: accept: %v", err)
				continue
			}
		}
		ch := operator.New(conn, conn, d, identity)
		if err := ch.Run(ctx); err != nil {
			log.Warningf("bridge: operator connection: %v", err)
		}
		conn.Close()
	}
}
