// Command gen-cert generates the self-signed Ed25519 cert/key pair that
// both the slipstream client and server load via --cert/--key. The pair
// must be copied to both endpoints out of band.
package main

import (
	"flag"
	"os"

	"github.com/rs/zerolog/log"

	"slipstream-go/internal/identity"
)

func main() {
	certFile := flag.String("cert", "slipstream.crt", "output certificate path")
	keyFile := flag.String("key", "slipstream.key", "output private key path")
	flag.Parse()

	pubKey, privKey, err := identity.GenerateKeyPair()
	if err != nil {
		log.Fatal().Err(err).Msg("generate key pair")
	}

	cert, err := identity.GenerateTLSCertificate(privKey)
	if err != nil {
		log.Fatal().Err(err).Msg("generate certificate")
	}

	if err := identity.SaveCertificatePEM(cert.Certificate[0], *certFile); err != nil {
		log.Fatal().Err(err).Msg("save certificate")
	}
	if err := identity.SavePrivateKey(privKey, *keyFile); err != nil {
		log.Fatal().Err(err).Msg("save private key")
	}

	log.Info().Str("cert", *certFile).Str("key", *keyFile).
		Str("fingerprint", identity.PublicKeyFingerprint(pubKey)).
		Msg("generated cert/key pair; copy both files to client and server")

	os.Exit(0)
}
