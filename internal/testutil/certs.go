// Package testutil provides fixtures shared by package tests.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devrev/hashkv/internal/config"
)

// Certs holds the paths of a throwaway PKI written to a test directory
type Certs struct {
	CA         string
	ServerCert string
	ServerKey  string
	ClientCert string
	ClientKey  string
}

// ServerTLS returns a server TLS config. With mutual set the CA is used to
// require client certificates.
func (c Certs) ServerTLS(mutual bool) config.ServerTLSConfig {
	cfg := config.ServerTLSConfig{Cert: c.ServerCert, Key: c.ServerKey}
	if mutual {
		cfg.CA = c.CA
	}
	return cfg
}

// ClientTLS returns a client TLS config trusting the test CA and
// presenting the client certificate.
func (c Certs) ClientTLS() config.ClientTLSConfig {
	return config.ClientTLSConfig{
		Domain: "localhost",
		CA:     c.CA,
		Cert:   c.ClientCert,
		Key:    c.ClientKey,
	}
}

// WriteCerts creates a CA plus server and client certificates under
// t.TempDir(). The server certificate is valid for localhost and
// 127.0.0.1.
func WriteCerts(t testing.TB) Certs {
	t.Helper()
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "hashkv test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	issue := func(serial int64, name string, usage x509.ExtKeyUsage) ([]byte, *ecdsa.PrivateKey) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(serial),
			Subject:      pkix.Name{CommonName: name},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(24 * time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{usage},
			DNSNames:     []string{"localhost"},
			IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
		require.NoError(t, err)
		return der, key
	}

	certs := Certs{
		CA:         filepath.Join(dir, "ca.pem"),
		ServerCert: filepath.Join(dir, "server.pem"),
		ServerKey:  filepath.Join(dir, "server-key.pem"),
		ClientCert: filepath.Join(dir, "client.pem"),
		ClientKey:  filepath.Join(dir, "client-key.pem"),
	}

	writePEM(t, certs.CA, "CERTIFICATE", caDER)

	serverDER, serverKey := issue(2, "localhost", x509.ExtKeyUsageServerAuth)
	writePEM(t, certs.ServerCert, "CERTIFICATE", serverDER)
	writeKey(t, certs.ServerKey, serverKey)

	clientDER, clientKey := issue(3, "hashkv test client", x509.ExtKeyUsageClientAuth)
	writePEM(t, certs.ClientCert, "CERTIFICATE", clientDER)
	writeKey(t, certs.ClientKey, clientKey)

	return certs
}

func writeKey(t testing.TB, path string, key *ecdsa.PrivateKey) {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	writePEM(t, path, "EC PRIVATE KEY", der)
}

func writePEM(t testing.TB, path, blockType string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0o600))
}
