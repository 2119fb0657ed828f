// Package certsetup creates the self-signed CA, server and client
// certificate chain a servient uses to serve TLS on its HTTP binding and to
// provision client certificates for south-bound bindings that authenticate
// with mutual TLS instead of a token-based Credential variant.
// Credits: https://gist.github.com/shaneutt/5e1995295cff6721c89a71d13a71c251
package certsetup

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path"
	"time"

	"github.com/sirupsen/logrus"
)

const keySize = 2048
const caDurationYears = 10

// DefaultCertDuration is the validity period given to server and client
// certificates minted by CreateCertificateBundle.
const DefaultCertDuration = time.Hour * 24 * 365

// Filenames CreateCertificateBundle writes into a servient's certs folder.
const (
	CaCertFile     = "ca.crt" // CA that signed the server and client certificates
	CaKeyFile      = "ca.key"
	ServerCertFile = "hub.crt"
	ServerKeyFile  = "hub.key"
	ClientCertFile = "client.crt"
	ClientKeyFile  = "client.key"
)

// CreateCertificateBundle writes a fresh CA, server and client certificate
// chain into certFolder, all signed for hostname. Called once by the
// servient bootstrap when no server certificate exists yet (see
// cmd/servient/main.go's ensureServerCert).
func CreateCertificateBundle(hostname string, certFolder string) error {
	caCertPEM, caKeyPEM, err := createCA()
	if err != nil {
		return err
	}
	serverCertPEM, serverKeyPEM, err := createServerCert(caCertPEM, caKeyPEM, hostname)
	if err != nil {
		return err
	}
	clientCertPEM, clientKeyPEM, err := createClientCert(caCertPEM, caKeyPEM, hostname)
	if err != nil {
		return err
	}

	caCertPath := path.Join(certFolder, CaCertFile)
	caKeyPath := path.Join(certFolder, CaKeyFile)
	serverCertPath := path.Join(certFolder, ServerCertFile)
	serverKeyPath := path.Join(certFolder, ServerKeyFile)
	clientCertPath := path.Join(certFolder, ClientCertFile)
	clientKeyPath := path.Join(certFolder, ClientKeyFile)

	if err := os.WriteFile(caKeyPath, caKeyPEM, 0600); err != nil {
		return err
	}
	if err := os.WriteFile(caCertPath, caCertPEM, 0644); err != nil {
		return err
	}
	if err := os.WriteFile(serverKeyPath, serverKeyPEM, 0600); err != nil {
		return err
	}
	if err := os.WriteFile(serverCertPath, serverCertPEM, 0644); err != nil {
		return err
	}
	if err := os.WriteFile(clientKeyPath, clientKeyPEM, 0600); err != nil {
		return err
	}
	return os.WriteFile(clientCertPath, clientCertPEM, 0644)
}

// createClientCert mints a client certificate signed by the CA, for a
// south-bound binding that authenticates this servient with mutual TLS.
func createClientCert(caCertPEM []byte, caKeyPEM []byte, hostname string) (certPEM []byte, keyPEM []byte, err error) {
	clientKey, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, nil, err
	}
	caPrivKeyBlock, _ := pem.Decode(caKeyPEM)
	caPrivKey, err := x509.ParsePKCS1PrivateKey(caPrivKeyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	caCertBlock, _ := pem.Decode(caCertPEM)
	if caCertBlock == nil {
		return nil, nil, err
	}
	caCert, err := x509.ParseCertificate(caCertBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}

	csrPEM, err := createCSR(clientKey, hostname)
	if err != nil {
		return nil, nil, err
	}
	clientCertPEM, err := signCertificate(csrPEM, caCert, caPrivKey, DefaultCertDuration)
	if err != nil {
		return nil, nil, err
	}

	clientKeyPEMBuffer := new(bytes.Buffer)
	pem.Encode(clientKeyPEMBuffer, &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(clientKey),
	})

	return clientCertPEM, clientKeyPEMBuffer.Bytes(), nil
}

// createCSR creates a certificate signing request for subjectName (a
// device Thing ID or client identity), signed with its own private key.
func createCSR(privKey *rsa.PrivateKey, subjectName string) (csrPEM []byte, err error) {
	subj := pkix.Name{
		CommonName:         subjectName,
		Country:            []string{"CA"},
		Province:           []string{"BC"},
		Locality:           []string{"wotgo"},
		Organization:       []string{"wotgo"},
		OrganizationalUnit: []string{"servient client"},
	}

	template := x509.CertificateRequest{
		Subject:            subj,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}

	csrBytes, err := x509.CreateCertificateRequest(rand.Reader, &template, privKey)
	if err != nil {
		return nil, err
	}
	csrPEMBuffer := new(bytes.Buffer)
	pem.Encode(csrPEMBuffer, &pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrBytes})
	return csrPEMBuffer.Bytes(), nil
}

// createServerCert mints the servient's own HTTP TLS server key and
// certificate, signed by the CA.
func createServerCert(caCertPEM []byte, caKeyPEM []byte, hostname string) (certPEM []byte, keyPEM []byte, err error) {
	caPrivKeyBlock, _ := pem.Decode(caKeyPEM)
	caPrivKey, err := x509.ParsePKCS1PrivateKey(caPrivKeyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	certBlock, _ := pem.Decode(caCertPEM)
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	if hostname == "" {
		hostname = "localhost"
	}
	cert := &x509.Certificate{
		SerialNumber: big.NewInt(2021),
		Subject: pkix.Name{
			Organization: []string{"wotgo"},
			Country:      []string{"CA"},
			Province:     []string{"BC"},
			Locality:     []string{"wotgo servient"},
			CommonName:   hostname,
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(DefaultCertDuration),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature,
	}

	// An IP-address hostname is also added as a SAN alongside loopback, so
	// the HTTP binding's TLS listener validates against either form.
	if ipAddr := net.ParseIP(hostname); ipAddr != nil {
		logrus.Infof("certsetup: hostname %s is an IP address, adding it as a SAN", hostname)
		cert.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback, ipAddr}
	}

	privKey, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, nil, err
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, cert, caCert, &privKey.PublicKey, caPrivKey)
	if err != nil {
		return nil, nil, err
	}

	certPEMBuffer := new(bytes.Buffer)
	pem.Encode(certPEMBuffer, &pem.Block{Type: "CERTIFICATE", Bytes: certBytes})

	privKeyPEMBuffer := new(bytes.Buffer)
	pem.Encode(privKeyPEMBuffer, &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privKey),
	})

	return certPEMBuffer.Bytes(), privKeyPEMBuffer.Bytes(), nil
}

// createCA creates the root CA certificate and private key that signs every
// server and client certificate CreateCertificateBundle produces.
// Source: https://shaneutt.com/blog/golang-ca-and-signed-cert-go/
func createCA() (certPEM []byte, keyPEM []byte, err error) {
	cert := &x509.Certificate{
		SerialNumber: big.NewInt(2021),
		Subject: pkix.Name{
			Organization: []string{"wotgo"},
			Country:      []string{"CA"},
			Province:     []string{"BC"},
			Locality:     []string{"wotgo"},
			CommonName:   "wotgo root CA",
		},
		NotBefore:             time.Now().Add(-10 * time.Second),
		NotAfter:              time.Now().AddDate(caDurationYears, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	privKey, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, nil, err
	}

	privKeyPEMBuffer := new(bytes.Buffer)
	pem.Encode(privKeyPEMBuffer, &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privKey),
	})

	caBytes, err := x509.CreateCertificate(rand.Reader, cert, cert, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, err
	}

	certPEMBuffer := new(bytes.Buffer)
	pem.Encode(certPEMBuffer, &pem.Block{Type: "CERTIFICATE", Bytes: caBytes})
	return certPEMBuffer.Bytes(), privKeyPEMBuffer.Bytes(), nil
}

// signCertificate signs a certificate signing request with the CA key,
// producing a client certificate valid for duration.
// Thanks to https://stackoverflow.com/questions/42643048/signing-certificate-request-with-certificate-authority
func signCertificate(csrPEM []byte, caCert *x509.Certificate, caPrivKey *rsa.PrivateKey, duration time.Duration,
) (certPEM []byte, err error) {
	csrBlock, _ := pem.Decode(csrPEM)
	csr, err := x509.ParseCertificateRequest(csrBlock.Bytes)
	if err != nil {
		return nil, err
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, err
	}

	template := x509.Certificate{
		Signature:          csr.Signature,
		SignatureAlgorithm: csr.SignatureAlgorithm,
		PublicKeyAlgorithm:  csr.PublicKeyAlgorithm,
		PublicKey:           csr.PublicKey,
		SerialNumber:        big.NewInt(2),
		Issuer:              caCert.Subject,
		Subject:             csr.Subject,
		NotBefore:           time.Now(),
		NotAfter:            time.Now().Add(duration),
		KeyUsage:            x509.KeyUsageDigitalSignature,
		ExtKeyUsage:         []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	certRaw, err := x509.CreateCertificate(rand.Reader, &template, caCert, csr.PublicKey, caPrivKey)
	if err != nil {
		return nil, err
	}
	certPEMBuffer := new(bytes.Buffer)
	pem.Encode(certPEMBuffer, &pem.Block{Type: "CERTIFICATE", Bytes: certRaw})
	return certPEMBuffer.Bytes(), nil
}
