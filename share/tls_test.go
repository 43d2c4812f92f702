package drshare

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSelfSignedCert writes a certificate for localhost/127.0.0.1 with the given
// serial number into dir, returning the certificate and key paths
func writeSelfSignedCert(t *testing.T, dir string, serial int64) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	// write the key first so that a watcher reacting to the cert sees a matching pair
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644))
	return certFile, keyFile
}

func servedSerial(t *testing.T, cfg *tls.Config) int64 {
	t.Helper()
	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	require.NotNil(t, cert)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	return leaf.SerialNumber.Int64()
}

func TestParseTLSVersion(t *testing.T) {
	v, err := ParseTLSVersion("")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), v)

	v, err = ParseTLSVersion("1.3")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), v)

	_, err = ParseTLSVersion("1.0")
	assert.Error(t, err)
}

func TestLoadServerTLSConfig_Disabled(t *testing.T) {
	cfg, reloader, err := LoadServerTLSConfig(newTestLogger(), TLSConfig{Enabled: false, CertFile: "missing"})
	require.NoError(t, err)
	assert.Nil(t, cfg)
	assert.Nil(t, reloader)
}

func TestLoadServerTLSConfig_Files(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t, t.TempDir(), 1)

	cfg, reloader, err := LoadServerTLSConfig(newTestLogger(), TLSConfig{
		Enabled:    true,
		CertFile:   certFile,
		KeyFile:    keyFile,
		MinVersion: "1.3",
	})
	require.NoError(t, err)
	require.NotNil(t, reloader)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, int64(1), servedSerial(t, cfg))
}

func TestLoadServerTLSConfig_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, _, err := LoadServerTLSConfig(newTestLogger(), TLSConfig{
		Enabled:  true,
		CertFile: filepath.Join(dir, "nope.crt"),
		KeyFile:  filepath.Join(dir, "nope.key"),
	})
	assert.Error(t, err)
}

func TestLoadServerTLSConfig_Autocert(t *testing.T) {
	cfg, reloader, err := LoadServerTLSConfig(newTestLogger(), TLSConfig{
		Enabled:  true,
		Autocert: AutocertConfig{Hosts: []string{"relay.example.com"}, CacheDir: t.TempDir()},
	})
	require.NoError(t, err)
	assert.Nil(t, reloader)
	assert.NotNil(t, cfg.GetCertificate)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}

func TestCertReloader_ReloadKeepsOldCertOnFailure(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSignedCert(t, dir, 1)
	r, err := NewCertReloader(newTestLogger(), certFile, keyFile)
	require.NoError(t, err)
	cfg := &tls.Config{GetCertificate: r.GetCertificate}

	require.NoError(t, os.WriteFile(certFile, []byte("garbage"), 0644))
	assert.Error(t, r.Reload())
	assert.Equal(t, int64(1), servedSerial(t, cfg))

	writeSelfSignedCert(t, dir, 2)
	require.NoError(t, r.Reload())
	assert.Equal(t, int64(2), servedSerial(t, cfg))
}

func TestCertReloader_Watch(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSignedCert(t, dir, 1)
	r, err := NewCertReloader(newTestLogger(), certFile, keyFile)
	require.NoError(t, err)
	cfg := &tls.Config{GetCertificate: r.GetCertificate}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Watch(ctx))

	writeSelfSignedCert(t, dir, 7)
	require.Eventually(t, func() bool {
		cert, _ := cfg.GetCertificate(nil)
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		return err == nil && leaf.SerialNumber.Int64() == 7
	}, eventually, tick)

	cancel()
	assert.ErrorIs(t, r.WaitShutdown(), context.Canceled)
}
