package state

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
)

func PathValidator(s string) error {
	_, err := os.Stat(path.Dir(s))
	if err != nil {
		return err
	}
	_, err = filepath.Abs(s)
	return err
}

func PeerURLValidator(s string) error {
	_, err := ParsePeerURL(s)
	return err
}

func LocalConfigValidator(cfg *LocalCfg) error {
	if cfg.Key == (PrivateKey{}) && cfg.KeyFile == "" {
		return errors.New("either key or key_file must be set")
	}
	if cfg.Key != (PrivateKey{}) {
		if _, err := ParsePrivateKey(cfg.Key[:]); err != nil {
			return fmt.Errorf("key: %w", err)
		}
	}
	if cfg.KeyFile != "" {
		if err := PathValidator(cfg.KeyFile); err != nil {
			return fmt.Errorf("key_file: %w", err)
		}
	}
	for _, l := range cfg.Listen {
		if err := PeerURLValidator(l); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}
	for _, p := range cfg.Peers {
		if err := PeerURLValidator(p); err != nil {
			return fmt.Errorf("peers: %w", err)
		}
	}
	for _, m := range cfg.MulticastInterfaces {
		if _, err := regexp.Compile(m); err != nil {
			return fmt.Errorf("multicast_interfaces: %w", err)
		}
	}
	if cfg.LogPath != "" {
		if err := PathValidator(cfg.LogPath); err != nil {
			return fmt.Errorf("log_path: %w", err)
		}
	}
	if cfg.CtlPath != "" {
		if err := PathValidator(cfg.CtlPath); err != nil {
			return fmt.Errorf("ctl_path: %w", err)
		}
	}
	if cfg.DataDir != "" {
		if err := PathValidator(cfg.DataDir); err != nil {
			return fmt.Errorf("data_dir: %w", err)
		}
	}
	return nil
}
