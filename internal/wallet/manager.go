// Package wallet resolves per-chain addresses and signing identities.
// In cold mode no EVM key is ever loaded; configured watch addresses stand in.
package wallet

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/defi-autopilot/internal/chain/aptos"
	"github.com/ggonzalez94/defi-autopilot/internal/chain/solana"
	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/execution/signer"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
)

const (
	EnvSolanaPrivateKey = "AUTOPILOT_SOLANA_PRIVATE_KEY"
	EnvAptosPrivateKey  = "AUTOPILOT_APTOS_PRIVATE_KEY"

	ModeHot  = "hot"
	ModeCold = "cold"
)

type Config struct {
	Mode      string
	KeySource string

	// EVMKeyFile, EVMKeystorePath and EVMKeystorePasswordFile locate the hot
	// key; empty values fall back to the AUTOPILOT_EVM_* environment.
	EVMKeyFile              string
	EVMKeystorePath         string
	EVMKeystorePasswordFile string

	// EVMAddress is the watch address in cold mode and the address the hot
	// key must control in hot mode.
	EVMAddress    string
	SolanaAddress string
	AptosAddress  string
}

type Manager struct {
	cfg Config

	mu     sync.Mutex
	evm    signer.Signer
	sol    *solana.Keypair
	apt    *aptos.Account
	getenv func(string) string
}

type Option func(*Manager)

func WithEVMSigner(s signer.Signer) Option {
	return func(m *Manager) { m.evm = s }
}

func WithSolanaKeypair(k solana.Keypair) Option {
	return func(m *Manager) { m.sol = &k }
}

func WithAptosAccount(a aptos.Account) Option {
	return func(m *Manager) { m.apt = &a }
}

func New(cfg Config, opts ...Option) *Manager {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = ModeCold
	}
	m := &Manager{cfg: cfg, getenv: os.Getenv}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Hot reports whether EVM transactions are signed locally.
func (m *Manager) Hot() bool { return m.cfg.Mode == ModeHot }

// Address returns the wallet address used on chain.
func (m *Manager) Address(chain id.Chain) (string, error) {
	switch chain.Family() {
	case id.FamilyEVM:
		if !m.Hot() {
			if addr := strings.TrimSpace(m.cfg.EVMAddress); addr != "" {
				if !common.IsHexAddress(addr) {
					return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("wallet.evm_address %q is not a valid address", addr))
				}
				return common.HexToAddress(addr).Hex(), nil
			}
			return "", clierr.New(clierr.CodeSigner, "cold mode requires wallet.evm_address")
		}
		s, err := m.EVMSigner()
		if err != nil {
			return "", err
		}
		return s.Address().Hex(), nil
	case id.FamilySolana:
		if addr := strings.TrimSpace(m.cfg.SolanaAddress); addr != "" {
			if _, err := solana.ParsePublicKey(addr); err != nil {
				return "", clierr.Wrap(clierr.CodeUsage, "wallet.solana_address", err)
			}
			return addr, nil
		}
		kp, err := m.SolanaKey()
		if err != nil {
			return "", err
		}
		return kp.PublicKey().String(), nil
	case id.FamilyAptos:
		if addr := strings.TrimSpace(m.cfg.AptosAddress); addr != "" {
			return strings.ToLower(addr), nil
		}
		acct, err := m.AptosKey()
		if err != nil {
			return "", err
		}
		return acct.Address(), nil
	default:
		return "", clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no wallet for chain %s", chain.CAIP2))
	}
}

// EVMSigner loads the local EVM key on first use. It fails in cold mode.
func (m *Manager) EVMSigner() (signer.Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.evm != nil {
		return m.evm, nil
	}
	if !m.Hot() {
		return nil, clierr.New(clierr.CodeSigner, "evm signing is disabled in cold mode")
	}
	s, err := signer.Load(signer.KeySpec{
		Source:               m.cfg.KeySource,
		KeyFile:              m.cfg.EVMKeyFile,
		KeystorePath:         m.cfg.EVMKeystorePath,
		KeystorePasswordFile: m.cfg.EVMKeystorePasswordFile,
		Expect:               m.cfg.EVMAddress,
	}, m.getenv)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "load evm signer", err)
	}
	m.evm = s
	return s, nil
}

func (m *Manager) SolanaKey() (solana.Keypair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sol != nil {
		return *m.sol, nil
	}
	raw := strings.TrimSpace(m.getenv(EnvSolanaPrivateKey))
	if raw == "" {
		return solana.Keypair{}, clierr.New(clierr.CodeSigner, "missing solana key: set "+EnvSolanaPrivateKey)
	}
	kp, err := solana.ParseKeypair(raw)
	if err != nil {
		return solana.Keypair{}, clierr.Wrap(clierr.CodeSigner, "load solana key", err)
	}
	m.sol = &kp
	return kp, nil
}

func (m *Manager) AptosKey() (aptos.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.apt != nil {
		return *m.apt, nil
	}
	raw := strings.TrimSpace(m.getenv(EnvAptosPrivateKey))
	if raw == "" {
		return aptos.Account{}, clierr.New(clierr.CodeSigner, "missing aptos key: set "+EnvAptosPrivateKey)
	}
	acct, err := aptos.ParseAccount(raw)
	if err != nil {
		return aptos.Account{}, clierr.Wrap(clierr.CodeSigner, "load aptos key", err)
	}
	m.apt = &acct
	return acct, nil
}

// TokenAccount returns the holder of mint for the wallet: the associated token
// account on Solana, the wallet address elsewhere.
func (m *Manager) TokenAccount(chain id.Chain, mint string) (string, error) {
	owner, err := m.Address(chain)
	if err != nil {
		return "", err
	}
	if !chain.IsSolana() {
		return owner, nil
	}
	ownerKey, err := solana.ParsePublicKey(owner)
	if err != nil {
		return "", err
	}
	mintKey, err := solana.ParsePublicKey(mint)
	if err != nil {
		return "", err
	}
	ata, err := solana.AssociatedTokenAddress(ownerKey, mintKey)
	if err != nil {
		return "", err
	}
	return ata.String(), nil
}
