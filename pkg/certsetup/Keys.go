package certsetup

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
)

// CreateECDSAKeys generates a P256 ECDSA key pair.
func CreateECDSAKeys() *ecdsa.PrivateKey {
	privKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	return privKey
}

// LoadPrivateKeyFromPEM reads and decodes an ECDSA private key PEM file.
func LoadPrivateKeyFromPEM(path string) (privateKey *ecdsa.PrivateKey, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return PrivateKeyFromPEM(string(data))
}

// PrivateKeyFromPEM decodes a PEM-encoded ECDSA private key. See
// PrivateKeyToPEM for the opposite direction.
func PrivateKeyFromPEM(pemEncodedPriv string) (privateKey *ecdsa.PrivateKey, err error) {
	block, _ := pem.Decode([]byte(pemEncodedPriv))
	if block == nil {
		return nil, errors.New("not a valid PEM string")
	}
	rawPrivateKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := rawPrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("PEM does not hold an ECDSA private key")
	}
	return privateKey, nil
}

// PrivateKeyToPEM PEM-encodes an ECDSA private key.
func PrivateKeyToPEM(privateKey *ecdsa.PrivateKey) (string, error) {
	x509Encoded, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	pemEncoded := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: x509Encoded})
	return string(pemEncoded), nil
}

// PublicKeyFromPEM decodes a PEM-encoded ECDSA public key.
func PublicKeyFromPEM(pemEncodedPub string) (publicKey *ecdsa.PublicKey, err error) {
	block, _ := pem.Decode([]byte(pemEncodedPub))
	if block == nil {
		return nil, errors.New("not a valid PEM string")
	}
	generic, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	publicKey, ok := generic.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("PEM does not hold an ECDSA public key")
	}
	return publicKey, nil
}

// PublicKeyToPEM PEM-encodes an ECDSA public key. See PublicKeyFromPEM for
// its counterpart.
func PublicKeyToPEM(publicKey *ecdsa.PublicKey) (string, error) {
	x509EncodedPub, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return "", err
	}
	pemEncodedPub := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: x509EncodedPub})
	return string(pemEncodedPub), nil
}

// SavePrivateKeyToPEM PEM-encodes privKey and writes it to path with 0600
// permissions.
func SavePrivateKeyToPEM(privKey *ecdsa.PrivateKey, path string) error {
	encoded, err := PrivateKeyToPEM(privKey)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(encoded), 0600)
}
