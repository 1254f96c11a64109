package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type registryFile struct {
	Maintainers   []maintainerEntry `yaml:"maintainers"`
	EconomicNodes []nodeEntry       `yaml:"economic_nodes"`
}

type maintainerEntry struct {
	Username      string `yaml:"username"`
	PublicKey     string `yaml:"public_key"`
	PublicKeyPath string `yaml:"public_key_path"`
	Layer         int    `yaml:"layer"`
	Active        *bool  `yaml:"active"`
}

type nodeEntry struct {
	ID            string    `yaml:"id"`
	Kind          string    `yaml:"kind"`
	PublicKey     string    `yaml:"public_key"`
	PublicKeyPath string    `yaml:"public_key_path"`
	Weight        float64   `yaml:"weight"`
	Status        string    `yaml:"status"`
	Handle        string    `yaml:"handle"`
	Evidence      string    `yaml:"evidence"`
	RegisteredAt  time.Time `yaml:"registered_at"`
}

// LoadFile reads a YAML registry. Keys may be inline hex or read from
// public_key_path.
func LoadFile(path string, keys KeyValidator) (*Snapshot, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return nil, fmt.Errorf("parse registry yaml: %w", err)
	}
	if len(file.Maintainers) == 0 {
		return nil, errors.New("registry has no maintainers")
	}
	now := time.Now().UTC()
	maintainers := make([]Maintainer, 0, len(file.Maintainers))
	for i, entry := range file.Maintainers {
		pub, err := resolveKey(entry.PublicKey, entry.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("maintainers[%d]: %w", i, err)
		}
		active := true
		if entry.Active != nil {
			active = *entry.Active
		}
		maintainers = append(maintainers, Maintainer{
			Username:  entry.Username,
			PublicKey: pub,
			Layer:     entry.Layer,
			Active:    active,
			UpdatedAt: now,
		})
	}
	nodes := make([]EconomicNode, 0, len(file.EconomicNodes))
	for i, entry := range file.EconomicNodes {
		pub, err := resolveKey(entry.PublicKey, entry.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("economic_nodes[%d]: %w", i, err)
		}
		status := NodeStatus(strings.TrimSpace(entry.Status))
		if status == "" {
			status = NodePending
		}
		registered := entry.RegisteredAt.UTC()
		if entry.RegisteredAt.IsZero() {
			registered = now
		}
		nodes = append(nodes, EconomicNode{
			ID:           entry.ID,
			Kind:         NodeKind(strings.TrimSpace(entry.Kind)),
			PublicKey:    pub,
			Weight:       entry.Weight,
			Status:       status,
			Handle:       strings.TrimSpace(entry.Handle),
			Evidence:     entry.Evidence,
			RegisteredAt: registered,
		})
	}
	return New(maintainers, nodes, keys)
}

func resolveKey(inline, path string) (string, error) {
	raw := strings.TrimSpace(inline)
	if path != "" {
		keyBuf, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read public_key_path: %w", err)
		}
		raw = strings.TrimSpace(string(keyBuf))
	}
	if raw == "" {
		return "", errors.New("public_key or public_key_path is required")
	}
	return raw, nil
}
