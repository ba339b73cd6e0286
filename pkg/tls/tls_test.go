package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeSelfSigned writes a self-signed certificate that doubles as its own CA.
func writeSelfSigned(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fivedreg-test"},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestConfig_Disabled(t *testing.T) {
	c := Config{}
	if err := c.ValidateServer(); err != nil {
		t.Errorf("ValidateServer() = %v", err)
	}
	if err := c.ValidateClient(); err != nil {
		t.Errorf("ValidateClient() = %v", err)
	}
	if cfg, err := c.ServerConfig(); cfg != nil || err != nil {
		t.Errorf("ServerConfig() = %v, %v; want nil, nil", cfg, err)
	}
	if cfg, err := c.ClientConfig(); cfg != nil || err != nil {
		t.Errorf("ClientConfig() = %v, %v; want nil, nil", cfg, err)
	}
}

func TestConfig_Validate(t *testing.T) {
	dir := t.TempDir()
	cert, key := writeSelfSigned(t, dir)

	tests := []struct {
		name      string
		cfg       Config
		serverErr bool
		clientErr bool
	}{
		{"server cert only", Config{Enabled: true, CertFile: cert, KeyFile: key}, false, false},
		{"mutual", Config{Enabled: true, CertFile: cert, KeyFile: key, CAFile: cert}, false, false},
		{"ca only", Config{Enabled: true, CAFile: cert}, true, false},
		{"cert without key", Config{Enabled: true, CertFile: cert}, true, true},
		{"missing file", Config{Enabled: true, CertFile: cert, KeyFile: filepath.Join(dir, "nope.pem")}, true, true},
		{"missing ca", Config{Enabled: true, CertFile: cert, KeyFile: key, CAFile: filepath.Join(dir, "nope.pem")}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.ValidateServer(); (err != nil) != tt.serverErr {
				t.Errorf("ValidateServer() error = %v, wantErr %v", err, tt.serverErr)
			}
			if err := tt.cfg.ValidateClient(); (err != nil) != tt.clientErr {
				t.Errorf("ValidateClient() error = %v, wantErr %v", err, tt.clientErr)
			}
		})
	}
}

func TestServerConfig(t *testing.T) {
	cert, key := writeSelfSigned(t, t.TempDir())

	plain, err := Config{Enabled: true, CertFile: cert, KeyFile: key}.ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig() error = %v", err)
	}
	if plain.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %x, want TLS 1.3", plain.MinVersion)
	}
	if plain.ClientAuth != tls.NoClientCert {
		t.Errorf("ClientAuth = %v, want NoClientCert", plain.ClientAuth)
	}
	if len(plain.Certificates) != 1 {
		t.Errorf("Certificates = %d, want 1", len(plain.Certificates))
	}

	mutual, err := Config{Enabled: true, CertFile: cert, KeyFile: key, CAFile: cert}.ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig() error = %v", err)
	}
	if mutual.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v, want RequireAndVerifyClientCert", mutual.ClientAuth)
	}
	if mutual.ClientCAs == nil {
		t.Error("ClientCAs is nil")
	}
}

func TestClientConfig(t *testing.T) {
	dir := t.TempDir()
	cert, key := writeSelfSigned(t, dir)

	cfg, err := Config{Enabled: true, CAFile: cert}.ClientConfig()
	if err != nil {
		t.Fatalf("ClientConfig() error = %v", err)
	}
	if cfg.RootCAs == nil {
		t.Error("RootCAs is nil")
	}
	if len(cfg.Certificates) != 0 {
		t.Errorf("Certificates = %d, want 0", len(cfg.Certificates))
	}

	cfg, err = Config{Enabled: true, CertFile: cert, KeyFile: key, CAFile: cert}.ClientConfig()
	if err != nil {
		t.Fatalf("ClientConfig() error = %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Certificates = %d, want 1", len(cfg.Certificates))
	}

	bad := filepath.Join(dir, "bad.pem")
	if err := os.WriteFile(bad, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := (Config{Enabled: true, CAFile: bad}).ClientConfig(); err == nil {
		t.Error("ClientConfig() with garbage CA should fail")
	}
}

func TestMutualAuth(t *testing.T) {
	if (Config{Enabled: true}).MutualAuth() {
		t.Error("MutualAuth() without CA = true")
	}
	if (Config{CAFile: "ca.pem"}).MutualAuth() {
		t.Error("MutualAuth() when disabled = true")
	}
	if !(Config{Enabled: true, CAFile: "ca.pem"}).MutualAuth() {
		t.Error("MutualAuth() = false")
	}
}
