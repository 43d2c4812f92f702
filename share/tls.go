package drshare

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/acme/autocert"
)

// ParseTLSVersion converts a "1.2" or "1.3" config value to a tls version constant.
// An empty string selects TLS 1.2.
func ParseTLSVersion(version string) (uint16, error) {
	switch version {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported TLS version '%s' (want 1.2 or 1.3)", version)
}

// LoadServerTLSConfig creates the tls.Config for the secure listener. Returns nil if TLS
// is disabled. When certificates come from files, the returned CertReloader serves them
// and may be used to watch them for changes; with ACME it is nil.
func LoadServerTLSConfig(logger Logger, cfg TLSConfig) (*tls.Config, *CertReloader, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	minVersion, err := ParseTLSVersion(cfg.MinVersion)
	if err != nil {
		return nil, nil, err
	}

	if len(cfg.Autocert.Hosts) > 0 {
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Autocert.Hosts...),
			Email:      cfg.Autocert.Email,
		}
		if cfg.Autocert.CacheDir != "" {
			m.Cache = autocert.DirCache(cfg.Autocert.CacheDir)
		}
		tlsConfig := m.TLSConfig()
		tlsConfig.MinVersion = minVersion
		logger.ILogf("Using ACME certificates for %v", cfg.Autocert.Hosts)
		return tlsConfig, nil, nil
	}

	reloader, err := NewCertReloader(logger, cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, nil, err
	}
	tlsConfig := &tls.Config{
		GetCertificate: reloader.GetCertificate,
		MinVersion:     minVersion,
	}
	return tlsConfig, reloader, nil
}

// CertReloader serves a certificate/key pair loaded from files, and can reload it when
// the files change without restarting the listener.
type CertReloader struct {
	ShutdownHelper
	certFile string
	keyFile  string
	certLock sync.RWMutex
	cert     *tls.Certificate
	watcher  *fsnotify.Watcher
}

// NewCertReloader loads the initial certificate. Fails if it cannot be loaded.
func NewCertReloader(logger Logger, certFile string, keyFile string) (*CertReloader, error) {
	r := &CertReloader{
		certFile: certFile,
		keyFile:  keyFile,
	}
	r.InitShutdownHelper(logger.Fork("CertReloader"), r)
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload reads the certificate files again. On failure the previous certificate stays
// in use.
func (r *CertReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return r.Errorf("load certificate: %s", err)
	}
	r.certLock.Lock()
	r.cert = &cert
	r.certLock.Unlock()
	return nil
}

// GetCertificate is a tls.Config GetCertificate callback returning the current certificate
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.certLock.RLock()
	defer r.certLock.RUnlock()
	return r.cert, nil
}

// Watch reloads the certificate whenever either file is written or replaced, until ctx
// is done or the reloader is shut down. It does not block.
func (r *CertReloader) Watch(ctx context.Context) error {
	return r.DoOnceActivate(
		func() error {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return r.Errorf("create watcher: %s", err)
			}
			// watch directories so that atomic renames of the files are seen
			dirs := map[string]bool{
				filepath.Dir(r.certFile): true,
				filepath.Dir(r.keyFile):  true,
			}
			for dir := range dirs {
				if err := w.Add(dir); err != nil {
					w.Close()
					return r.Errorf("watch %s: %s", dir, err)
				}
			}
			r.watcher = w
			r.ShutdownOnContext(ctx)
			go r.watchLoop()
			r.ILogf("Watching %s and %s for changes", r.certFile, r.keyFile)
			return nil
		},
		false,
	)
}

func (r *CertReloader) watchLoop() {
	certName := filepath.Clean(r.certFile)
	keyName := filepath.Clean(r.keyFile)
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(ev.Name)
			if name != certName && name != keyName {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := r.Reload(); err != nil {
				// the other file of the pair may not be written yet
				r.DLogf("Reload after %s deferred: %s", ev, err)
				continue
			}
			r.ILogf("Reloaded certificate after %s", ev.Op)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.WLogf("Watcher error: %s", err)
		}
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It stops the
// file watcher if one is running.
func (r *CertReloader) HandleOnceShutdown(completionErr error) error {
	if r.watcher != nil {
		err := r.watcher.Close()
		if completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}
