package certsetup_test

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/wotgo/pkg/certsetup"
)

func TestCreateCertificateBundle(t *testing.T) {
	certFolder := t.TempDir()

	err := certsetup.CreateCertificateBundle("127.0.0.1", certFolder)
	require.NoError(t, err)

	caCertPEM, err := os.ReadFile(path.Join(certFolder, certsetup.CaCertFile))
	require.NoError(t, err)
	serverCertPEM, err := os.ReadFile(path.Join(certFolder, certsetup.ServerCertFile))
	require.NoError(t, err)
	serverKeyPEM, err := os.ReadFile(path.Join(certFolder, certsetup.ServerKeyFile))
	require.NoError(t, err)
	clientCertPEM, err := os.ReadFile(path.Join(certFolder, certsetup.ClientCertFile))
	require.NoError(t, err)
	clientKeyPEM, err := os.ReadFile(path.Join(certFolder, certsetup.ClientKeyFile))
	require.NoError(t, err)

	_, err = tls.X509KeyPair(serverCertPEM, serverKeyPEM)
	require.NoError(t, err, "server cert/key must form a valid TLS pair")
	_, err = tls.X509KeyPair(clientCertPEM, clientKeyPEM)
	require.NoError(t, err, "client cert/key must form a valid TLS pair")

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(caCertPEM))

	serverBlock, _ := pem.Decode(serverCertPEM)
	require.NotNil(t, serverBlock)
	serverCert, err := x509.ParseCertificate(serverBlock.Bytes)
	require.NoError(t, err)
	_, err = serverCert.Verify(x509.VerifyOptions{
		Roots:         pool,
		DNSName:       "127.0.0.1",
		Intermediates: x509.NewCertPool(),
	})
	assert.NoError(t, err, "server certificate must verify against the generated CA")

	clientBlock, _ := pem.Decode(clientCertPEM)
	require.NotNil(t, clientBlock)
	clientCert, err := x509.ParseCertificate(clientBlock.Bytes)
	require.NoError(t, err)
	_, err = clientCert.Verify(x509.VerifyOptions{
		Roots:         pool,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err, "client certificate must verify against the generated CA")
}

func TestCreateCertificateBundleFailsOnUnwritableFolder(t *testing.T) {
	err := certsetup.CreateCertificateBundle("127.0.0.1", "/root/no-such-parent/certs")
	assert.Error(t, err)
}
