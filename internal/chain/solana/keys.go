package solana

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

const PublicKeyLength = 32

type PublicKey [PublicKeyLength]byte

var (
	SystemProgramID          = MustPublicKey("11111111111111111111111111111111")
	TokenProgramID           = MustPublicKey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	AssociatedTokenProgramID = MustPublicKey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
	ComputeBudgetProgramID   = MustPublicKey("ComputeBudget111111111111111111111111111111")
	WrappedSOLMint           = MustPublicKey("So11111111111111111111111111111111111111112")
)

func ParsePublicKey(s string) (PublicKey, error) {
	raw, err := base58.Decode(strings.TrimSpace(s))
	if err != nil {
		return PublicKey{}, fmt.Errorf("decode public key %q: %w", s, err)
	}
	if len(raw) != PublicKeyLength {
		return PublicKey{}, fmt.Errorf("public key %q has %d bytes, want %d", s, len(raw), PublicKeyLength)
	}
	var pk PublicKey
	copy(pk[:], raw)
	return pk, nil
}

func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func (p PublicKey) String() string { return base58.Encode(p[:]) }

func (p PublicKey) IsZero() bool { return p == PublicKey{} }

// Keypair is an ed25519 signing key in Solana's 64-byte secret key layout.
type Keypair struct {
	private ed25519.PrivateKey
}

// ParseKeypair accepts a base58 64-byte secret key (seed followed by public key)
// or a base58 32-byte seed.
func ParseKeypair(secret string) (Keypair, error) {
	raw, err := base58.Decode(strings.TrimSpace(secret))
	if err != nil {
		return Keypair{}, fmt.Errorf("decode solana secret key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return Keypair{private: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.PrivateKeySize:
		kp := Keypair{private: ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])}
		if string(kp.private[ed25519.SeedSize:]) != string(raw[ed25519.SeedSize:]) {
			return Keypair{}, errors.New("solana secret key public half does not match seed")
		}
		return kp, nil
	default:
		return Keypair{}, fmt.Errorf("solana secret key has %d bytes, want 32 or 64", len(raw))
	}
}

func NewKeypairFromSeed(seed []byte) Keypair {
	return Keypair{private: ed25519.NewKeyFromSeed(seed)}
}

func (k Keypair) PublicKey() PublicKey {
	var pk PublicKey
	copy(pk[:], k.private.Public().(ed25519.PublicKey))
	return pk
}

func (k Keypair) Sign(message []byte) [64]byte {
	var sig [64]byte
	copy(sig[:], ed25519.Sign(k.private, message))
	return sig
}

// FindProgramAddress searches bumps from 255 down for an off-curve address.
func FindProgramAddress(seeds [][]byte, program PublicKey) (PublicKey, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, seed := range seeds {
			h.Write(seed)
		}
		h.Write([]byte{byte(bump)})
		h.Write(program[:])
		h.Write([]byte("ProgramDerivedAddress"))
		sum := h.Sum(nil)
		if !isOnCurve(sum) {
			var pk PublicKey
			copy(pk[:], sum)
			return pk, uint8(bump), nil
		}
	}
	return PublicKey{}, 0, errors.New("no viable program address bump")
}

// AssociatedTokenAddress derives the canonical SPL token account for owner and mint.
func AssociatedTokenAddress(owner, mint PublicKey) (PublicKey, error) {
	addr, _, err := FindProgramAddress([][]byte{owner[:], TokenProgramID[:], mint[:]}, AssociatedTokenProgramID)
	return addr, err
}

func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}
