package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Environment fallbacks for the hot wallet key. Config paths take precedence.
const (
	EnvPrivateKey           = "AUTOPILOT_EVM_PRIVATE_KEY"
	EnvPrivateKeyFile       = "AUTOPILOT_EVM_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "AUTOPILOT_EVM_KEYSTORE_PATH"
	EnvKeystorePassword     = "AUTOPILOT_EVM_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "AUTOPILOT_EVM_KEYSTORE_PASSWORD_FILE"
)

// Key sources accepted by wallet.key_source.
const (
	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"
)

const defaultKeyRelativePath = "autopilot/evm.key"

// KeySpec is the hot wallet's EVM key selection. Empty fields fall back to
// the environment; Expect, when set, pins the address the key must derive.
type KeySpec struct {
	Source               string
	KeyFile              string
	KeystorePath         string
	KeystorePasswordFile string
	Expect               string
}

type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	origin     string
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

// Origin names where the key came from: env, a file path or a keystore path.
func (s *LocalSigner) Origin() string {
	return s.origin
}

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("hot wallet key is not loaded")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
}

// Load resolves spec into a signer. getenv supplies the environment fallbacks.
func Load(spec KeySpec, getenv func(string) string) (*LocalSigner, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	source := strings.ToLower(strings.TrimSpace(spec.Source))
	if source == "" {
		source = KeySourceAuto
	}
	keyFile := firstSet(spec.KeyFile, env(EnvPrivateKeyFile))
	keystorePath := firstSet(spec.KeystorePath, env(EnvKeystorePath))

	var (
		key    *ecdsa.PrivateKey
		origin string
		err    error
	)
	switch source {
	case KeySourceEnv:
		key, origin, err = fromEnv(env)
	case KeySourceFile:
		key, origin, err = fromFile(firstSet(keyFile, defaultKeyFile(getenv)))
	case KeySourceKeystore:
		key, origin, err = fromKeystore(keystorePath, firstSet(spec.KeystorePasswordFile, env(EnvKeystorePasswordFile)), env)
	case KeySourceAuto:
		switch {
		case env(EnvPrivateKey) != "":
			key, origin, err = fromEnv(env)
		case keyFile != "":
			key, origin, err = fromFile(keyFile)
		case keystorePath != "":
			key, origin, err = fromKeystore(keystorePath, firstSet(spec.KeystorePasswordFile, env(EnvKeystorePasswordFile)), env)
		default:
			key, origin, err = fromFile(defaultKeyFile(getenv))
		}
	default:
		return nil, fmt.Errorf("unsupported wallet.key_source %q (expected %s|%s|%s|%s)", spec.Source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore)
	}
	if err != nil {
		return nil, err
	}

	s, err := fromKey(key, origin)
	if err != nil {
		return nil, err
	}
	if want := strings.TrimSpace(spec.Expect); want != "" {
		if !common.IsHexAddress(want) {
			return nil, fmt.Errorf("wallet.evm_address %q is not a valid address", want)
		}
		if common.HexToAddress(want) != s.address {
			return nil, fmt.Errorf("key from %s controls %s, not wallet.evm_address %s", origin, s.address.Hex(), common.HexToAddress(want).Hex())
		}
	}
	return s, nil
}

// FromHex builds a signer from a raw hex key.
func FromHex(raw string) (*LocalSigner, error) {
	key, err := parseHexKey(raw)
	if err != nil {
		return nil, err
	}
	return fromKey(key, "inline")
}

func fromKey(key *ecdsa.PrivateKey, origin string) (*LocalSigner, error) {
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("invalid ECDSA public key")
	}
	return &LocalSigner{privateKey: key, address: crypto.PubkeyToAddress(*pub), origin: origin}, nil
}

func fromEnv(env func(string) string) (*ecdsa.PrivateKey, string, error) {
	raw := env(EnvPrivateKey)
	if raw == "" {
		return nil, "", fmt.Errorf("wallet.key_source env needs %s", EnvPrivateKey)
	}
	key, err := parseHexKey(raw)
	return key, "env", err
}

func fromFile(path string) (*ecdsa.PrivateKey, string, error) {
	if path == "" {
		return nil, "", fmt.Errorf("missing hot wallet key: set wallet.evm_key_file, write a hex key to ~/.config/%s, or set %s / %s",
			defaultKeyRelativePath, EnvPrivateKey, EnvKeystorePath)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read key file: %w", err)
	}
	key, err := parseHexKey(string(buf))
	return key, path, err
}

func fromKeystore(path, passwordFile string, env func(string) string) (*ecdsa.PrivateKey, string, error) {
	if path == "" {
		return nil, "", fmt.Errorf("wallet.key_source keystore needs wallet.evm_keystore_path or %s", EnvKeystorePath)
	}
	password := env(EnvKeystorePassword)
	if password == "" && passwordFile != "" {
		buf, err := os.ReadFile(passwordFile)
		if err != nil {
			return nil, "", fmt.Errorf("read keystore password file: %w", err)
		}
		password = strings.TrimSpace(string(buf))
	}
	if password == "" {
		return nil, "", errors.New("keystore password is required")
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read keystore file: %w", err)
	}
	k, err := keystore.DecryptKey(buf, password)
	if err != nil {
		return nil, "", fmt.Errorf("decrypt keystore: %w", err)
	}
	return k.PrivateKey, path, nil
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, errors.New("empty private key")
	}
	pk, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return pk, nil
}

// defaultKeyFile is $XDG_CONFIG_HOME/autopilot/evm.key (falling back to
// ~/.config) when that file exists.
func defaultKeyFile(getenv func(string) string) string {
	base := strings.TrimSpace(getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	path := filepath.Join(base, defaultKeyRelativePath)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return ""
	}
	return path
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
