package quictransport

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
)

func generateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

func publicKey(priv *ecdsa.PrivateKey) crypto.PublicKey {
	return &priv.PublicKey
}
