package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testPaths(t *testing.T) CertConfig {
	t.Helper()
	dir := t.TempDir()
	return CertConfig{
		CertPath: filepath.Join(dir, "certs", "controller.crt"),
		KeyPath:  filepath.Join(dir, "certs", "controller.key"),
	}
}

func parseCert(t *testing.T, cfg CertConfig) *x509.Certificate {
	t.Helper()
	pair, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		t.Fatalf("Failed to load generated pair: %v", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert
}

func TestGenerateCertificate(t *testing.T) {
	cfg := testPaths(t)
	cfg.Hosts = []string{"heater.lan", "10.0.0.7"}
	cfg.ValidDuration = 24 * time.Hour
	cfg.CommonName = "backyard heater"

	info, err := GenerateCertificate(cfg)
	if err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}
	if !info.IsGenerated {
		t.Error("IsGenerated should be true for a new certificate")
	}

	parts := strings.Split(info.Fingerprint, ":")
	if len(parts) != 32 {
		t.Errorf("Fingerprint should have 32 parts, got %d", len(parts))
	}
	if strings.ToUpper(info.Fingerprint) != info.Fingerprint {
		t.Errorf("Fingerprint should be uppercase, got %s", info.Fingerprint)
	}

	if got := info.NotAfter.Sub(info.NotBefore); got != 24*time.Hour {
		t.Errorf("validity = %s, want 24h", got)
	}

	keyInfo, err := os.Stat(cfg.KeyPath)
	if err != nil {
		t.Fatalf("Failed to stat key file: %v", err)
	}
	if keyInfo.Mode().Perm() != 0600 {
		t.Errorf("Key file permissions should be 0600, got %o", keyInfo.Mode().Perm())
	}

	cert := parseCert(t, cfg)
	if cert.Subject.CommonName != "backyard heater" {
		t.Errorf("CommonName = %q", cert.Subject.CommonName)
	}
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "heater.lan" {
		t.Errorf("DNSNames = %v", cert.DNSNames)
	}
	if len(cert.IPAddresses) != 1 || cert.IPAddresses[0].String() != "10.0.0.7" {
		t.Errorf("IPAddresses = %v", cert.IPAddresses)
	}
}

func TestGenerateCertificateDefaults(t *testing.T) {
	cfg := testPaths(t)
	info, err := GenerateCertificate(cfg)
	if err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}

	cert := parseCert(t, cfg)
	if len(cert.Subject.Organization) == 0 || cert.Subject.Organization[0] != "poolheat" {
		t.Errorf("Organization = %v, want [poolheat]", cert.Subject.Organization)
	}

	hasAP := false
	for _, ip := range cert.IPAddresses {
		if ip.String() == "192.168.4.1" {
			hasAP = true
		}
	}
	if !hasAP {
		t.Errorf("default SANs should cover the AP address, got %v", cert.IPAddresses)
	}

	if got := info.NotAfter.Sub(info.NotBefore); got != DefaultValidity {
		t.Errorf("validity = %s, want %s", got, DefaultValidity)
	}
	if info.Expired(time.Now()) {
		t.Error("a fresh certificate should not be expired")
	}
}

func TestEnsureCertificate_RequiresPaths(t *testing.T) {
	if _, err := EnsureCertificate(CertConfig{}); err == nil {
		t.Error("expected error without paths")
	}
}

func TestEnsureCertificate_GeneratesThenLoads(t *testing.T) {
	cfg := testPaths(t)

	first, err := EnsureCertificate(cfg)
	if err != nil {
		t.Fatalf("EnsureCertificate failed: %v", err)
	}
	if !first.IsGenerated {
		t.Error("first call should generate")
	}

	second, err := EnsureCertificate(cfg)
	if err != nil {
		t.Fatalf("EnsureCertificate failed: %v", err)
	}
	if second.IsGenerated {
		t.Error("second call should load the existing pair")
	}
	if second.Fingerprint != first.Fingerprint {
		t.Error("loaded fingerprint should match the generated one")
	}
}

func TestEnsureCertificate_RegeneratesWhenKeyMissing(t *testing.T) {
	cfg := testPaths(t)
	first, err := EnsureCertificate(cfg)
	if err != nil {
		t.Fatalf("EnsureCertificate failed: %v", err)
	}
	os.Remove(cfg.KeyPath)

	second, err := EnsureCertificate(cfg)
	if err != nil {
		t.Fatalf("EnsureCertificate failed: %v", err)
	}
	if !second.IsGenerated || second.Fingerprint == first.Fingerprint {
		t.Error("a missing key should produce a new certificate")
	}
}

func TestEnsureCertificate_RegeneratesWhenExpired(t *testing.T) {
	cfg := testPaths(t)
	cfg.ValidDuration = time.Second
	if _, err := GenerateCertificate(cfg); err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}

	// NotBefore is backdated a minute, so a one second certificate is
	// already expired.
	cfg.ValidDuration = 0
	info, err := EnsureCertificate(cfg)
	if err != nil {
		t.Fatalf("EnsureCertificate failed: %v", err)
	}
	if !info.IsGenerated {
		t.Error("expired certificate should be replaced")
	}
}

func TestLoadCertificateNotFound(t *testing.T) {
	if _, err := LoadCertificate("/nonexistent/controller.crt", "/nonexistent/controller.key"); err == nil {
		t.Error("expected error for missing files")
	}
}

func TestComputeFingerprintFromPEM(t *testing.T) {
	cfg := testPaths(t)
	info, err := GenerateCertificate(cfg)
	if err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}

	data, err := os.ReadFile(cfg.CertPath)
	if err != nil {
		t.Fatal(err)
	}
	fp, err := ComputeFingerprintFromPEM(data)
	if err != nil {
		t.Fatalf("ComputeFingerprintFromPEM failed: %v", err)
	}
	if fp != info.Fingerprint {
		t.Errorf("fingerprint = %s, want %s", fp, info.Fingerprint)
	}

	if _, err := ComputeFingerprintFromPEM([]byte("not pem")); err == nil {
		t.Error("expected error for invalid PEM")
	}
}

func TestLoadTLSConfig(t *testing.T) {
	cfg := testPaths(t)
	if _, err := GenerateCertificate(cfg); err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}

	tlsCfg, err := LoadTLSConfig(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		t.Fatalf("LoadTLSConfig failed: %v", err)
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Errorf("Certificates = %d, want 1", len(tlsCfg.Certificates))
	}
	if tlsCfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", tlsCfg.MinVersion)
	}

	if _, err := LoadTLSConfig("/nonexistent.crt", "/nonexistent.key"); err == nil {
		t.Error("expected error for missing files")
	}
}
