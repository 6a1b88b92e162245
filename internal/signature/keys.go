package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

var (
	ErrInvalidPublicKey         = errors.New("signature: invalid public key")
	ErrInvalidSecretKey         = errors.New("signature: invalid secret key")
	ErrInvalidSignatureEncoding = errors.New("signature: invalid signature encoding")
)

// Keypair — пара ключей ed25519 в формате, совместимом с кошельками Solana.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signature: generate key: %w", err)
	}
	return &Keypair{Public: pub, Private: priv}, nil
}

// KeypairFromSeed восстанавливает пару из 32-байтного seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSecretKey
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// KeypairFromSecret принимает base58 секрет: 64 байта (seed||pub, как в Solana CLI) или 32 байта seed.
func KeypairFromSecret(secret string) (*Keypair, error) {
	raw, err := base58.Decode(secret)
	if err != nil {
		return nil, ErrInvalidSecretKey
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return KeypairFromSeed(raw)
	case ed25519.PrivateKeySize:
		kp, err := KeypairFromSeed(raw[:ed25519.SeedSize])
		if err != nil {
			return nil, err
		}
		if !kp.Public.Equal(ed25519.PublicKey(raw[ed25519.SeedSize:])) {
			return nil, ErrInvalidSecretKey
		}
		return kp, nil
	default:
		return nil, ErrInvalidSecretKey
	}
}

// Address — base58 представление публичного ключа.
func (k *Keypair) Address() string {
	return base58.Encode(k.Public)
}

// Secret — base58 секрет в формате seed||pub.
func (k *Keypair) Secret() string {
	return base58.Encode(k.Private)
}

func ParsePublicKey(addr string) (ed25519.PublicKey, error) {
	if addr == "" {
		return nil, ErrInvalidPublicKey
	}
	raw, err := base58.Decode(addr)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return ed25519.PublicKey(raw), nil
}

// IsValidAddress проверяет, что строка — корректный base58 ключ нужной длины.
func IsValidAddress(addr string) bool {
	_, err := ParsePublicKey(addr)
	return err == nil
}

// Signature — подпись заявки вместе с nonce, под которым она выпущена.
type Signature struct {
	Bytes []byte
	Nonce int64
}

type signatureWire struct {
	Signature string `json:"signature"`
	Nonce     int64  `json:"nonce"`
}

func (s Signature) String() string {
	return base58.Encode(s.Bytes)
}

func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(signatureWire{Signature: s.String(), Nonce: s.Nonce})
}

func (s *Signature) UnmarshalJSON(data []byte) error {
	var w signatureWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	raw, err := DecodeSignature(w.Signature)
	if err != nil {
		return err
	}
	s.Bytes = raw
	s.Nonce = w.Nonce
	return nil
}

// DecodeSignature разбирает base58 подпись и проверяет длину.
func DecodeSignature(encoded string) ([]byte, error) {
	raw, err := base58.Decode(encoded)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return nil, ErrInvalidSignatureEncoding
	}
	return raw, nil
}
