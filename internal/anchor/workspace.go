package anchor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stoewer/go-strcase"

	"solana-multisig-go/internal/config"
)

// ManifestFile is the workspace manifest name.
const ManifestFile = "Anchor.toml"

// Manifest mirrors the parts of Anchor.toml the client reads.
type Manifest struct {
	Provider struct {
		Cluster string `toml:"cluster"`
		Wallet  string `toml:"wallet"`
	} `toml:"provider"`
	Programs map[string]map[string]string `toml:"programs"`
	Scripts  map[string]string            `toml:"scripts"`
	Features map[string]interface{}       `toml:"features"`
}

// Workspace resolves programs by name from an Anchor project.
type Workspace struct {
	Root     string
	Manifest Manifest

	mu   sync.RWMutex
	idls map[string]*IDL
}

// FindRoot walks up from dir until it finds Anchor.toml.
func FindRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(abs, ManifestFile)); err == nil {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("%s not found in %s or any parent", ManifestFile, dir)
		}
		abs = parent
	}
}

// LoadWorkspace reads the manifest and every IDL under target/idl.
func LoadWorkspace(dir string) (*Workspace, error) {
	root, err := FindRoot(dir)
	if err != nil {
		return nil, err
	}
	ws := &Workspace{Root: root, idls: make(map[string]*IDL)}
	if _, err := toml.DecodeFile(filepath.Join(root, ManifestFile), &ws.Manifest); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ManifestFile, err)
	}

	paths, err := filepath.Glob(filepath.Join(root, "target", "idl", "*.json"))
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		idl, err := LoadIDL(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		ws.Register(idl)
	}
	return ws, nil
}

// NewWorkspace returns an empty workspace, useful when IDLs are embedded.
func NewWorkspace() *Workspace {
	return &Workspace{idls: make(map[string]*IDL)}
}

// Register adds or replaces idl.
func (w *Workspace) Register(idl *IDL) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.idls[strcase.SnakeCase(idl.Name)] = idl
}

// IDL returns the IDL for a program name in any casing.
func (w *Workspace) IDL(name string) (*IDL, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	idl, ok := w.idls[strcase.SnakeCase(name)]
	return idl, ok
}

// Names lists the registered programs in snake case.
func (w *Workspace) Names() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	names := make([]string, 0, len(w.idls))
	for n := range w.idls {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Cluster is the manifest's provider cluster, localnet when unset.
func (w *Workspace) Cluster() string {
	if w.Manifest.Provider.Cluster == "" {
		return rpc.LocalNet.Name
	}
	return strings.ToLower(w.Manifest.Provider.Cluster)
}

// ProgramID resolves the deployed address of a program: the manifest's
// [programs.<cluster>] entry first, then the IDL metadata.
func (w *Workspace) ProgramID(name string) (solana.PublicKey, error) {
	key := strcase.SnakeCase(name)
	if byName, ok := w.Manifest.Programs[w.Cluster()]; ok {
		if addr, ok := byName[key]; ok {
			pk, err := solana.PublicKeyFromBase58(addr)
			if err != nil {
				return solana.PublicKey{}, fmt.Errorf("invalid address for %s: %w", key, err)
			}
			return pk, nil
		}
	}
	if idl, ok := w.IDL(key); ok {
		if pk, ok := idl.Address(); ok {
			return pk, nil
		}
	}
	return solana.PublicKey{}, fmt.Errorf("%s: %w", key, ErrProgramIDNotDefined)
}

// Program returns a client handle for the named program.
func (w *Workspace) Program(name string, provider *Provider) (*Program, error) {
	idl, ok := w.IDL(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrProgramNotFound)
	}
	pid, err := w.ProgramID(name)
	if err != nil {
		return nil, err
	}
	return NewProgram(idl, pid, provider), nil
}

// ProviderConfig builds a provider configuration from the manifest. Values
// already present in base win over the manifest.
func (w *Workspace) ProviderConfig(base config.ProviderConfig) (config.ProviderConfig, error) {
	out := base
	if out.URL == "" {
		url, err := ClusterURL(w.Cluster())
		if err != nil {
			return out, err
		}
		out.URL = url
	}
	if out.WalletPath == "" && w.Manifest.Provider.Wallet != "" {
		out.WalletPath = expandHome(w.Manifest.Provider.Wallet)
	}
	if out.WalletPath == "" {
		return out, config.ErrMissingWallet
	}
	if out.Commitment == "" {
		out.Commitment = string(rpc.CommitmentConfirmed)
	}
	if out.ConfirmTimeout == 0 {
		out.ConfirmTimeout = 60 * time.Second
	}
	if out.PollInterval == 0 {
		out.PollInterval = 250 * time.Millisecond
	}
	return out, nil
}

// ClusterURL maps a cluster moniker or URL to an RPC endpoint.
func ClusterURL(cluster string) (string, error) {
	switch strings.ToLower(cluster) {
	case "localnet", "localhost", "":
		return rpc.LocalNet.RPC, nil
	case "devnet":
		return rpc.DevNet.RPC, nil
	case "testnet":
		return rpc.TestNet.RPC, nil
	case "mainnet", "mainnet-beta":
		return rpc.MainNetBeta.RPC, nil
	}
	if strings.HasPrefix(cluster, "http://") || strings.HasPrefix(cluster, "https://") {
		return cluster, nil
	}
	return "", errors.New("unknown cluster " + cluster)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
