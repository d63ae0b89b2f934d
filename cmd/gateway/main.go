// Command gateway wires and runs sipwebrtc_gateway: it loads config,
// builds the SIP transport/transaction/dialog layers, the media-relay
// client, the call-control engine and the browser-signaling hub, then
// serves HTTP until told to stop. Grounded on the teacher's
// pkg/rtp/example_softphone.go for the "load config, build every layer
// bottom-up, wait on a signal, shut everything down in reverse" shape.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/sipwebrtc_gateway/internal/config"
	"github.com/arzzra/sipwebrtc_gateway/internal/httpapi"
	"github.com/arzzra/sipwebrtc_gateway/internal/metrics"
	"github.com/arzzra/sipwebrtc_gateway/pkg/dialogstore"
	"github.com/arzzra/sipwebrtc_gateway/pkg/engine"
	"github.com/arzzra/sipwebrtc_gateway/pkg/events"
	"github.com/arzzra/sipwebrtc_gateway/pkg/hub"
	"github.com/arzzra/sipwebrtc_gateway/pkg/relayclient"
	"github.com/arzzra/sipwebrtc_gateway/pkg/siptransaction"
	"github.com/arzzra/sipwebrtc_gateway/pkg/siptransport"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Error("failed to load configuration")
		return 1
	}

	log := newLogger(cfg.LogLevel)

	if cfg.PublicIP == "" || cfg.PublicIP == "auto" {
		cfg.PublicIP = resolvePublicIP()
		log.WithField("public_ip", cfg.PublicIP).Info("resolved PUBLIC_IP=auto")
	}

	m := metrics.New("sipwebrtc_gateway", "gateway")

	transport := siptransport.NewUDPTransport(log.WithField("component", "siptransport"))
	if cfg.EnableSIPGateway {
		if err := transport.Listen(cfg.LocalSIPAddr()); err != nil {
			log.WithError(err).Error("failed to bind SIP transport")
			return 1
		}
		defer transport.Close()
	}

	txStore := siptransaction.NewStore()
	defer txStore.Close()

	dialogs := dialogstore.NewStore(cfg.MaxSessions)

	relay := relayclient.New(cfg.RTPEngineAddr(), log.WithField("component", "relayclient"))

	bus := events.NewBus()

	eng := engine.New(engine.Config{
		PublicIP:      cfg.PublicIP,
		SIPServerAddr: net.JoinHostPort(cfg.SIPServerHost, strconv.Itoa(cfg.SIPServerPort)),
		SIPDomain:     cfg.SIPDomain,
		LocalSIPPort:  cfg.LocalSIPPort,
	}, transport, txStore, dialogs, relay, bus, m, log.WithField("component", "engine"))

	h := hub.New(eng, log.WithField("component", "hub"))

	httpAddr := net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port))
	api := httpapi.New(httpAddr, cfg.EnableSSL, h, h, log.WithField("component", "httpapi"))

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", httpAddr).Info("starting http server")
		serveErr <- api.ListenAndServe(cfg.SSLCertPath, cfg.SSLKeyPath)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		log.WithError(err).Error("http server exited unexpectedly")
		return 1
	case s := <-sig:
		log.WithField("signal", s.String()).Info("shutting down")
	}

	shutdown(eng, dialogs, api, log)
	return 0
}

// shutdown implements spec §5's graceful path: every live dialog gets a
// hangup before the HTTP listener (and, with it, the hub's WebSocket
// connections) is torn down.
func shutdown(eng *engine.Engine, dialogs *dialogstore.Store, api *httpapi.Server, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, d := range dialogs.All() {
		if err := eng.HangupCall(ctx, d.CallID); err != nil {
			log.WithError(err).WithField("call_id", d.CallID).Warn("hangup during shutdown failed")
		}
	}

	if err := api.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http server shutdown did not complete cleanly")
	}
}

func newLogger(level string) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return logrus.NewEntry(log)
}

// resolvePublicIP finds the address the kernel would route outbound
// traffic through, grounded on the teacher's getLocalIP
// (pkg/ua_media/utils.go): dial a UDP socket toward a public address
// (no packet is actually sent) and read the local endpoint it picked.
func resolvePublicIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

