// Command servient boots a WoT servient: it loads configuration, starts
// whichever protocol bindings are enabled, loads Thing Descriptions from
// disk, and serves them until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wostzone/wotgo/internal/coapbinding"
	"github.com/wostzone/wotgo/internal/httpbinding"
	"github.com/wostzone/wotgo/internal/mqttbinding"
	"github.com/wostzone/wotgo/internal/mqttpool"
	"github.com/wostzone/wotgo/internal/wsbinding"
	"github.com/wostzone/wotgo/pkg/auth"
	"github.com/wostzone/wotgo/pkg/certsetup"
	"github.com/wostzone/wotgo/pkg/servient"
	"github.com/wostzone/wotgo/pkg/servientconfig"
	"github.com/wostzone/wotgo/pkg/thing"
	"github.com/wostzone/wotgo/pkg/watcher"
)

func main() {
	cfg, err := servientconfig.LoadCommandlineConfig("", "servient")
	if err != nil {
		logrus.Warnf("main: configuration incomplete, continuing with defaults: %s", err)
	}

	authenticator, err := auth.NewAuthenticator(cfg.AuthScheme, nil)
	if err != nil {
		logrus.Fatalf("main: unable to set up %q authenticator: %s", cfg.AuthScheme, err)
	}

	s := servient.New(cfg.Hostname, servient.CatalogueConfig{Port: cfg.CataloguePort})

	if err := os.MkdirAll(filepath.Dir(cfg.CredentialsFile), 0755); err != nil {
		logrus.Warnf("main: unable to create credentials folder: %s", err)
	} else if err := s.SetCredentialsFile(cfg.CredentialsFile); err != nil {
		logrus.Warnf("main: unable to load credential store %q: %s", cfg.CredentialsFile, err)
	}
	for title, creds := range servientconfig.CredentialsFromEnv() {
		if err := s.AddCredentials(title, creds); err != nil {
			logrus.Warnf("main: unable to add environment credentials for %q: %s", title, err)
		}
	}

	if cfg.EnableHTTP {
		httpServer := httpbinding.NewServer(cfg.HTTPPort, authenticator)
		if certFile, keyFile, err := ensureServerCert(cfg.CertsFolder, cfg.Hostname); err != nil {
			logrus.Warnf("main: TLS bootstrap failed, serving HTTP binding unencrypted: %s", err)
		} else {
			httpServer.EnableTLS(certFile, keyFile)
		}
		s.AddServer(httpServer)
		s.AddClient(httpbinding.NewClient())
	}
	if cfg.EnableCoAP {
		s.AddServer(coapbinding.NewServer(cfg.CoAPPort, authenticator))
		s.AddClient(coapbinding.NewClient())
	}
	if cfg.EnableWS {
		s.AddServer(wsbinding.NewServer(cfg.WSPort, authenticator))
		s.AddClient(wsbinding.NewClient())
	}
	if cfg.EnableMQTT {
		dialOpts := mqttpool.DialOptions{MessageTTL: mqttpool.DefaultMessageTTL}
		mqttServer := mqttbinding.NewServer("servient", cfg.MQTTBrokerAddress, dialOpts)
		s.AddServer(mqttServer)
		s.AddClient(mqttbinding.NewClient(cfg.MQTTBrokerAddress, dialOpts))
	}

	loadThings(s, cfg.ThingsFolder)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := s.Start(ctx); err != nil {
		cancel()
		logrus.Fatalf("main: servient failed to start: %s", err)
	}
	cancel()
	logrus.Infof("main: %s", s.String())

	// Reload TDs when the things folder changes, without a restart.
	if w, err := watcher.WatchFile(cfg.ThingsFolder, func() error {
		logrus.Infof("main: things folder changed, reloading")
		loadThings(s, cfg.ThingsFolder)
		s.RefreshForms()
		return nil
	}); err == nil {
		defer w.Close()
	} else {
		logrus.Warnf("main: unable to watch things folder: %s", err)
	}

	waitForSignal()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("main: servient shutdown error: %s", err)
	}
}

// loadThings parses every *.json file in folder as a Thing Description and
// exposes it. Already-exposed Things are left untouched; this is additive,
// matching RefreshForms' own idempotence.
func loadThings(s *servient.Servient, folder string) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		logrus.Warnf("main.loadThings: %s", err)
		return
	}
	exposed := map[string]bool{}
	for _, et := range s.EnabledThings() {
		exposed[et.ThingID()] = true
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		full := filepath.Join(folder, entry.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			logrus.Warnf("main.loadThings: unable to read %q: %s", full, err)
			continue
		}
		t, err := thing.ParseTD(data)
		if err != nil {
			logrus.Warnf("main.loadThings: unable to parse %q: %s", full, err)
			continue
		}
		if exposed[t.ID] {
			continue
		}
		et := s.ExposeThing(t)
		et.Expose()
		logrus.Infof("main.loadThings: exposed %q from %s", t.ID, full)
	}
}

// ensureServerCert generates a self-signed CA and server certificate bundle
// in certsFolder on first run (pkg/certsetup.CreateCertificateBundle), and
// returns the server cert/key paths for the HTTP binding to serve TLS with.
func ensureServerCert(certsFolder, hostname string) (certFile, keyFile string, err error) {
	certFile = filepath.Join(certsFolder, certsetup.ServerCertFile)
	keyFile = filepath.Join(certsFolder, certsetup.ServerKeyFile)
	if _, err := os.Stat(certFile); err == nil {
		return certFile, keyFile, nil
	}
	if err := os.MkdirAll(certsFolder, 0755); err != nil {
		return "", "", err
	}
	if err := certsetup.CreateCertificateBundle(hostname, certsFolder); err != nil {
		return "", "", err
	}
	return certFile, keyFile, nil
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logrus.Info("main: shutdown signal received")
}
