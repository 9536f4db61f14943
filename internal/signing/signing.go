// Package signing signs and verifies webhook bodies with Ethereum personal
// message signatures (EIP-191).
package signing

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMalformedSignature = errors.New("malformed signature")
	ErrSignerMismatch     = errors.New("signature does not match trusted signer")
)

// Signer produces EIP-191 signatures with a single private key
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex private key, with or without 0x prefix
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *Signer) Address() common.Address { return s.address }

// PrivateKey is exposed for transaction signing
func (s *Signer) PrivateKey() *ecdsa.PrivateKey { return s.key }

// Sign returns the 0x-prefixed 65-byte signature of message, with V in {27, 28}
func (s *Signer) Sign(message []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), s.key)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// decode parses a 65-byte hex signature, with or without 0x in any case, and
// returns it with V in {27, 28}
func decode(signature string) ([]byte, error) {
	raw := strings.TrimSpace(signature)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw = raw[2:]
	}
	sig, err := hexutil.Decode("0x" + strings.ToLower(raw))
	if err != nil || len(sig) != crypto.SignatureLength {
		return nil, ErrMalformedSignature
	}
	switch v := sig[crypto.RecoveryIDOffset]; {
	case v < 2:
		sig[crypto.RecoveryIDOffset] += 27
	case v != 27 && v != 28:
		return nil, fmt.Errorf("%w: invalid recovery id %d", ErrMalformedSignature, v)
	}
	return sig, nil
}

// Normalize returns the canonical encoding of signature: lowercase 0x hex with
// V in {27, 28}. Encodings of the same signature normalize to the same string.
func Normalize(signature string) (string, error) {
	sig, err := decode(signature)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// Recover returns the address that signed message
func Recover(message []byte, signature string) (common.Address, error) {
	sig, err := decode(signature)
	if err != nil {
		return common.Address{}, err
	}
	sig[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that signature over message was produced by any of trusted
func Verify(message []byte, signature string, trusted ...common.Address) (common.Address, error) {
	signer, err := Recover(message, signature)
	if err != nil {
		return common.Address{}, err
	}
	for _, t := range trusted {
		if t == signer {
			return signer, nil
		}
	}
	return signer, fmt.Errorf("%w: recovered %s", ErrSignerMismatch, signer.Hex())
}
