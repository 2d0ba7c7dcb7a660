// Package crypto manages the service's signing key material: the SP
// keypair published in metadata and the IdP certificates trusted to sign
// assertions.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"
)

// KeyPair is an RSA private key with its certificate.
type KeyPair struct {
	Key  *rsa.PrivateKey
	Cert *x509.Certificate
}

// LoadKeyPair reads a PEM private key and certificate from disk.
func LoadKeyPair(keyFile, certFile string) (*KeyPair, error) {
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", keyFile, err)
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read cert file: %w", err)
	}
	certs, err := ParseCertificates(certPEM)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", certFile, err)
	}

	return &KeyPair{Key: key, Cert: certs[0]}, nil
}

// GenerateKeyPair creates a 2048-bit RSA key with a self-signed
// certificate naming entityID. Used in development when no keypair is
// configured; production deployments supply their own.
func GenerateKeyPair(entityID string) (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: entityID},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(2 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}

	return &KeyPair{Key: key, Cert: cert}, nil
}

// LoadOrGenerateKeyPair loads the configured keypair, or generates an
// ephemeral one when both paths are empty.
func LoadOrGenerateKeyPair(keyFile, certFile, entityID string) (*KeyPair, error) {
	if keyFile == "" && certFile == "" {
		return GenerateKeyPair(entityID)
	}
	if keyFile == "" || certFile == "" {
		return nil, fmt.Errorf("key file and cert file must both be set or both be empty")
	}
	return LoadKeyPair(keyFile, certFile)
}

// LoadCertificates reads every certificate from a PEM file. More than one
// entry means the IdP is mid-rollover and both keys verify.
func LoadCertificates(certFile string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read cert file: %w", err)
	}
	return ParseCertificates(data)
}

// ParseCertificates decodes all CERTIFICATE blocks in pemData.
func ParseCertificates(pemData []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found in PEM data")
	}
	return certs, nil
}

func parsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	for {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			return nil, fmt.Errorf("no private key found in PEM data")
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			rsaKey, ok := key.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("private key is %T, need RSA", key)
			}
			return rsaKey, nil
		}
	}
}
