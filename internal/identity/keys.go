// Package identity provides the server's Ed25519 key pair, a self-signed
// certificate derived from it, and client-side fingerprint pinning in
// place of certificate-authority validation (the tunnel has no CA to
// trust; the client pins the server's public key instead).
package identity

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

// ALPN is the single protocol token shared by client and server.
const ALPN = "slipstream"

// SNI is the fixed server name both sides present and expect; it never
// varies with the tunnel domain, since the DNS tunnel domain and the
// TLS SNI serve unrelated purposes (spec §6).
const SNI = "slipstream.internal"

// GenerateKeyPair generates a new Ed25519 key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SavePrivateKey saves an Ed25519 private key to a PEM file.
func SavePrivateKey(privKey ed25519.PrivateKey, path string) error {
	pkcs8, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	block := &pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	return pem.Encode(f, block)
}

// SavePublicKey saves an Ed25519 public key to a PEM file.
func SavePublicKey(pubKey ed25519.PublicKey, path string) error {
	pkixBytes, err := x509.MarshalPKIXPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	block := &pem.Block{Type: "PUBLIC KEY", Bytes: pkixBytes}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	return pem.Encode(f, block)
}

// LoadPrivateKey loads an Ed25519 private key from a PEM file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	privKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("not an Ed25519 private key")
	}

	return privKey, nil
}

// LoadPublicKey loads an Ed25519 public key from a PEM file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	pubKey, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("not an Ed25519 public key")
	}

	return pubKey, nil
}

// GenerateTLSCertificate creates a self-signed TLS certificate from the
// given Ed25519 key. There is no CA: the client authenticates the server
// by pinning the fingerprint of this certificate's public key instead.
func GenerateTLSCertificate(privKey ed25519.PrivateKey) (tls.Certificate, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Slipstream DNS Tunnel"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	pubKey := privKey.Public().(ed25519.PublicKey)
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privKey,
		Leaf:        &template,
	}, nil
}

// SaveCertificatePEM writes a DER-encoded certificate to path as PEM.
func SaveCertificatePEM(certDER []byte, path string) error {
	block := &pem.Block{Type: "CERTIFICATE", Bytes: certDER}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	return pem.Encode(f, block)
}

// PublicKeyFingerprint returns the SHA-256 fingerprint of a public key,
// base64-encoded.
func PublicKeyFingerprint(pubKey ed25519.PublicKey) string {
	hash := sha256.Sum256(pubKey)
	return base64.StdEncoding.EncodeToString(hash[:])
}

// CreatePinningVerifier returns a TLS verification callback that accepts
// only a certificate whose public key matches expectedFingerprint.
func CreatePinningVerifier(expectedFingerprint string) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("no certificates provided")
		}

		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("parse certificate: %w", err)
		}

		pubKey, ok := cert.PublicKey.(ed25519.PublicKey)
		if !ok {
			return errors.New("certificate does not contain an Ed25519 public key")
		}

		fingerprint := PublicKeyFingerprint(pubKey)
		if fingerprint != expectedFingerprint {
			return fmt.Errorf("certificate fingerprint mismatch: got %s, expected %s", fingerprint, expectedFingerprint)
		}

		return nil
	}
}

// ServerTLSConfig returns a TLS config for the server using the given
// private key, loaded from --cert/--key per the external CLI contract.
func ServerTLSConfig(privKey ed25519.PrivateKey) (*tls.Config, error) {
	cert, err := GenerateTLSCertificate(privKey)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
	}, nil
}

// ClientTLSConfig returns a TLS config for the client, pinning the
// server's certificate to expectedFingerprint in place of CA validation.
func ClientTLSConfig(expectedFingerprint, sni string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: CreatePinningVerifier(expectedFingerprint),
		NextProtos:            []string{ALPN},
		ServerName:            sni,
	}
}

// SignerFromPrivateKey returns a crypto.Signer from an Ed25519 private key.
func SignerFromPrivateKey(privKey ed25519.PrivateKey) crypto.Signer {
	return privKey
}

// LoadCertificate loads a cert/key pair from disk, as required by the
// --cert/--key flags shared by both endpoints. The pair is pre-shared out
// of band: the server presents it, and the client pins its fingerprint
// instead of trusting a certificate authority.
func LoadCertificate(certPath, keyPath string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load cert/key pair: %w", err)
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("parse leaf certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return cert, nil
}

// FingerprintFromCertificate returns the SHA-256 fingerprint of the
// certificate's Ed25519 public key.
func FingerprintFromCertificate(cert tls.Certificate) (string, error) {
	pubKey, ok := cert.Leaf.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", errors.New("certificate does not contain an Ed25519 public key")
	}
	return PublicKeyFingerprint(pubKey), nil
}

// ServerTLSConfigFromCert builds the server-side TLS config presenting cert.
func ServerTLSConfigFromCert(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
	}
}

// ClientTLSConfigFromCert builds the client-side TLS config: it presents
// the same pre-shared cert and pins the peer to that cert's fingerprint,
// since there is no certificate authority in this deployment model.
func ClientTLSConfigFromCert(cert tls.Certificate, sni string) (*tls.Config, error) {
	fingerprint, err := FingerprintFromCertificate(cert)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: CreatePinningVerifier(fingerprint),
		NextProtos:            []string{ALPN},
		ServerName:            sni,
	}, nil
}
