// Package tls resolves the server certificate: ACME via autocert, files on
// disk, or a generated self-signed pair outside production.
package tls

import (
	"crypto/tls"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/acme/autocert"

	"smsup-service/internal/config"
	"smsup-service/internal/util"
)

type TLSManager struct {
	cfg      config.ServerConfig
	env      string
	autoCert *autocert.Manager

	mu       sync.Mutex
	fallback *tls.Certificate
}

func NewTLSManager(cfg config.ServerConfig, environment string) *TLSManager {
	m := &TLSManager{cfg: cfg, env: environment}
	if cfg.AutoCert && cfg.EnableTLS {
		m.setupAutoCert()
	}
	return m
}

func (m *TLSManager) setupAutoCert() {
	if err := os.MkdirAll(m.cfg.AutoCertDir, 0700); err != nil {
		util.Warn("Could not create autocert directory", util.ErrorField(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.cfg.Domain),
		Cache:      autocert.DirCache(m.cfg.AutoCertDir),
		Email:      m.cfg.Email,
	}

	util.Info("AutoCert configured",
		util.String("domain", m.cfg.Domain),
		util.String("cache_dir", m.cfg.AutoCertDir))
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		util.Warn("AutoCert certificate unavailable", util.ErrorField(err))
	}

	if m.cfg.CertFile != "" && m.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
		if err == nil {
			return &cert, nil
		}
		util.Warn("Failed to load certificate files", util.ErrorField(err))
	}

	if m.env == "production" {
		return nil, fmt.Errorf("no certificate available for %q", hello.ServerName)
	}
	return m.selfSigned()
}

// selfSigned generates the development certificate once per process.
func (m *TLSManager) selfSigned() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fallback != nil {
		return m.fallback, nil
	}

	hosts := []string{m.cfg.Domain, "localhost", "127.0.0.1", "::1"}
	cert, err := NewDevCertGenerator(m.cfg.AutoCertDir).GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	m.fallback = &cert
	return m.fallback, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}
}

func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
