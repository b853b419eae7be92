// Command device runs the provisioning link's device-side process: it
// loads persistent configuration and a shared token, binds a datagram
// transport, and answers ping/write-config/read-config/apply/reboot
// requests from a bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"

	"github.com/dvo001/provlink/config"
	"github.com/dvo001/provlink/core/corelog"
	"github.com/dvo001/provlink/core/metrics"
	"github.com/dvo001/provlink/core/wire"
	"github.com/dvo001/provlink/device/dispatch"
	"github.com/dvo001/provlink/device/store"
	"github.com/dvo001/provlink/device/token"
	"github.com/dvo001/provlink/transport/udpdgram"
)

func main() {
	var cfgFile string
	var tokenEnv string
	var dedupCapacity int

	flag.StringVar(&cfgFile, "config", "device.toml", "device TOML configuration file")
	flag.StringVar(&tokenEnv, "token_env", "PROVLINK_DEVICE_TOKEN", "environment variable holding the shared provisioning token")
	flag.IntVar(&dedupCapacity, "dedup_capacity", 1, "reply-replay cache size")
	flag.Parse()

	cfg, err := config.LoadDevice(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "device: %v\n", err)
		os.Exit(1)
	}

	logFile := os.Stderr
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "device: open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logFile = f
	}
	backend := corelog.New(logFile, cfg.Logging.Level)
	log := backend.GetLogger("cmd/device")

	log.Infof("device: starting, build %s", versioninfo.Short())

	secret := os.Getenv(tokenEnv)
	if secret == "" {
		log.Fatalf("device: %s is unset; refusing to start with no provisioning token", tokenEnv)
	}
	tok := token.New([]byte(secret))
	defer token.Purge()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("device: %v", err)
	}
	defer st.Close()

	if loaded, err := st.Load(); err == nil {
		log.Infof("device: loaded config cfg_version=%d wifi_ssid=%q wifi_pass=%s mqtt_host=%q mqtt_pass=%s",
			loaded.CfgVersion, loaded.WifiSSID, corelog.Redacted(loaded.WifiPass), loaded.MQTTHost, corelog.Redacted(loaded.MQTTPass))
	}

	var mx *metrics.Registry
	if cfg.Metrics.Enabled {
		mx = metrics.New()
		go func() {
			log.Infof("device: metrics listening on %s", cfg.Metrics.Address)
			if err := http.ListenAndServe(cfg.Metrics.Address, mx.Handler()); err != nil {
				log.Warningf("device: metrics server exited: %v", err)
			}
		}()
	}

	link, err := udpdgram.Listen(cfg.Transport.Address, cfg.Transport.Channel)
	if err != nil {
		log.Fatalf("device: %v", err)
	}
	defer link.Close()

	hooks := dispatch.Hooks{
		Apply: func() {
			log.Info("device: apply hook firing — reconfiguring wifi/mqtt collaborators")
			// Re-reading cfg into the WiFi/MQTT collaborators is external
			// sink behavior outside this protocol's scope (spec §1).
		},
		Reboot: func() {
			log.Info("device: reboot hook firing — restarting shortly")
			time.AfterFunc(150*time.Millisecond, func() {
				log.Info("device: restart")
				os.Exit(0)
			})
		},
	}
	d := dispatch.New(st, tok, dedupCapacity, hooks, mx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("device: shutting down")
		link.Close()
	}()

	runLoop(log, link, d, mx)
}

func runLoop(log interface {
	Debugf(string, ...interface{})
	Warningf(string, ...interface{})
	Errorf(string, ...interface{})
}, link *udpdgram.Link, d *dispatch.Dispatcher, mx *metrics.Registry) {
	ctx := context.Background()
	for {
		peer, frame, err := link.Receive(ctx)
		if err != nil {
			log.Warningf("device: link closed: %v", err)
			return
		}

		h, fragment, perr := wire.Parse(frame)
		if perr != nil {
			log.Debugf("device: dropping malformed frame from %s: %v", peer, perr)
			if mx != nil {
				mx.FramesDropped.WithLabelValues("malformed").Inc()
			}
			continue
		}
		if mx != nil {
			mx.FramesReceived.WithLabelValues(h.MsgType.String()).Inc()
		}

		out := d.HandleFrame(peer, h, fragment, time.Now())
		for _, replyFrame := range out.Frames {
			if err := link.Send(ctx, peer, replyFrame); err != nil {
				log.Errorf("device: send to %s: %v", peer, err)
			} else if mx != nil {
				rh, _, _ := wire.Parse(replyFrame)
				mx.FramesSent.WithLabelValues(rh.MsgType.String()).Inc()
			}
		}
		if out.PostSend != nil {
			out.PostSend()
		}
	}
}
