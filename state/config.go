package state

import (
	"crypto/ed25519"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"go.step.sm/crypto/pemutil"
)

// LocalCfg represents local node-level configuration
type LocalCfg struct {
	Key                 PrivateKey  `yaml:"key,omitempty"`                  // hex encoded ed25519 private key or seed
	KeyFile             string      `yaml:"key_file,omitempty"`             // PEM encoded key, used when key is not set
	Listen              []string    `yaml:"listen,omitempty"`               // peer urls to accept connections on
	Peers               []string    `yaml:"peers,omitempty"`                // peer urls to keep connected
	AllowedPublicKeys   []PublicKey `yaml:"allowed_public_keys,omitempty"`  // if not empty, only these keys may connect to us
	MulticastInterfaces []string    `yaml:"multicast_interfaces,omitempty"` // interface name patterns to announce ourselves on
	LogPath             string      `yaml:"log_path,omitempty"`             // if not empty, arbor will write to this file
	DataDir             string      `yaml:"data_dir,omitempty"`             // where the known peer database is kept
	DumpTree            bool        `yaml:"dump_tree,omitempty"`            // periodically log the tree and dht state
	CtlPath             string      `yaml:"ctl_path,omitempty"`             // unix socket for inspect, peer and trace commands
}

func ReadLocalConfig(path string) (*LocalCfg, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg LocalCfg
	err = yaml.Unmarshal(file, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

func WriteLocalConfig(path string, cfg *LocalCfg) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0600)
}

// ResolveKey returns the configured private key, reading KeyFile if needed.
func (c *LocalCfg) ResolveKey() (PrivateKey, error) {
	if c.Key != (PrivateKey{}) {
		return c.Key, nil
	}
	if c.KeyFile == "" {
		return PrivateKey{}, fmt.Errorf("no key or key_file configured")
	}
	return ReadKeyFile(c.KeyFile)
}

func (c *LocalCfg) DbPath() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "peers.db")
}

func ReadKeyFile(path string) (PrivateKey, error) {
	k, err := pemutil.Read(path)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("failed to read key file %s: %w", path, err)
	}
	switch key := k.(type) {
	case ed25519.PrivateKey:
		return ParsePrivateKey(key)
	case *ed25519.PrivateKey:
		return ParsePrivateKey(*key)
	}
	return PrivateKey{}, fmt.Errorf("key file %s does not contain an ed25519 private key (got %T)", path, k)
}

func WriteKeyFile(path string, key PrivateKey) error {
	block, err := pemutil.Serialize(key.Std())
	if err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0600)
}
