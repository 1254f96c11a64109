package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

type NodeKind string

const (
	MiningPool       NodeKind = "mining_pool"
	Exchange         NodeKind = "exchange"
	Custodian        NodeKind = "custodian"
	PaymentProcessor NodeKind = "payment_processor"
	MajorHolder      NodeKind = "major_holder"
)

func (k NodeKind) Valid() bool {
	switch k {
	case MiningPool, Exchange, Custodian, PaymentProcessor, MajorHolder:
		return true
	}
	return false
}

func (k NodeKind) IsMining() bool {
	return k == MiningPool
}

type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeActive    NodeStatus = "active"
	NodeSuspended NodeStatus = "suspended"
	NodeRemoved   NodeStatus = "removed"
)

func (s NodeStatus) Valid() bool {
	switch s {
	case NodePending, NodeActive, NodeSuspended, NodeRemoved:
		return true
	}
	return false
}

type Maintainer struct {
	Username  string    `json:"username" yaml:"username"`
	PublicKey string    `json:"public_key" yaml:"public_key"`
	Layer     int       `json:"layer" yaml:"layer"`
	Active    bool      `json:"active" yaml:"active"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

type EconomicNode struct {
	ID           string     `json:"id"`
	Kind         NodeKind   `json:"kind"`
	PublicKey    string     `json:"public_key"`
	Weight       float64    `json:"weight"`
	Status       NodeStatus `json:"status"`
	Handle       string     `json:"handle,omitempty"`
	Evidence     string     `json:"evidence,omitempty"`
	RegisteredAt time.Time  `json:"registered_at"`
}

// EffectiveWeight is zero for any node that is not active.
func (n EconomicNode) EffectiveWeight() float64 {
	if n.Status != NodeActive {
		return 0
	}
	return n.Weight
}

// KeyValidator checks that a hex public key is usable by the deployment's
// signature scheme.
type KeyValidator interface {
	ValidatePublicKey(publicKeyHex string) error
}

// Source yields a registry view that stays fixed for the duration of one
// decision.
type Source interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Snapshot is an immutable view over the enrolled maintainer and economic
// node sets.
type Snapshot struct {
	maintainers map[string]Maintainer
	inactive    []Maintainer
	nodes       map[string]EconomicNode
	byHandle    map[string]string
}

// New validates the data-model invariants and builds a Snapshot. Weights of
// non-active nodes are forced to zero.
func New(maintainers []Maintainer, nodes []EconomicNode, keys KeyValidator) (*Snapshot, error) {
	snap := &Snapshot{
		maintainers: make(map[string]Maintainer, len(maintainers)),
		nodes:       make(map[string]EconomicNode, len(nodes)),
		byHandle:    make(map[string]string),
	}
	pairs := make(map[string]struct{}, len(maintainers))
	for i, m := range maintainers {
		m.Username = strings.TrimSpace(m.Username)
		m.PublicKey = strings.ToLower(strings.TrimSpace(m.PublicKey))
		if m.Username == "" {
			return nil, fmt.Errorf("maintainer[%d] username is required", i)
		}
		if m.Layer < 1 || m.Layer > 5 {
			return nil, fmt.Errorf("maintainer %s layer must be 1..5", m.Username)
		}
		if keys != nil {
			if err := keys.ValidatePublicKey(m.PublicKey); err != nil {
				return nil, fmt.Errorf("maintainer %s public key: %w", m.Username, err)
			}
		}
		pair := m.Username + "\x00" + m.PublicKey
		if _, dup := pairs[pair]; dup {
			return nil, fmt.Errorf("duplicate maintainer record for %s with the same public key", m.Username)
		}
		pairs[pair] = struct{}{}
		if !m.Active {
			snap.inactive = append(snap.inactive, m)
			continue
		}
		if _, exists := snap.maintainers[m.Username]; exists {
			return nil, fmt.Errorf("maintainer %s has more than one active record", m.Username)
		}
		snap.maintainers[m.Username] = m
	}
	activeKeys := make(map[string]string)
	for i, n := range nodes {
		n.ID = strings.TrimSpace(n.ID)
		n.PublicKey = strings.ToLower(strings.TrimSpace(n.PublicKey))
		if n.ID == "" {
			return nil, fmt.Errorf("economic_node[%d] id is required", i)
		}
		if !n.Kind.Valid() {
			return nil, fmt.Errorf("economic node %s kind %q is invalid", n.ID, n.Kind)
		}
		if !n.Status.Valid() {
			return nil, fmt.Errorf("economic node %s status %q is invalid", n.ID, n.Status)
		}
		if n.Weight < 0 {
			return nil, fmt.Errorf("economic node %s weight must be non-negative", n.ID)
		}
		if keys != nil {
			if err := keys.ValidatePublicKey(n.PublicKey); err != nil {
				return nil, fmt.Errorf("economic node %s public key: %w", n.ID, err)
			}
		}
		if _, exists := snap.nodes[n.ID]; exists {
			return nil, fmt.Errorf("duplicate economic node id %s", n.ID)
		}
		if n.Status != NodeActive {
			n.Weight = 0
		} else {
			if other, taken := activeKeys[n.PublicKey]; taken {
				return nil, fmt.Errorf("economic nodes %s and %s share a public key", other, n.ID)
			}
			activeKeys[n.PublicKey] = n.ID
		}
		if h := strings.TrimSpace(n.Handle); h != "" {
			if other, taken := snap.byHandle[h]; taken {
				return nil, fmt.Errorf("economic nodes %s and %s share handle %s", other, n.ID, h)
			}
			snap.byHandle[h] = n.ID
		}
		snap.nodes[n.ID] = n
	}
	return snap, nil
}

// Maintainer returns the active record for username.
func (s *Snapshot) Maintainer(username string) (Maintainer, bool) {
	if s == nil {
		return Maintainer{}, false
	}
	m, ok := s.maintainers[username]
	return m, ok
}

// ActiveMaintainers lists active maintainers with layer >= minLayer, sorted by
// username.
func (s *Snapshot) ActiveMaintainers(minLayer int) []Maintainer {
	out := make([]Maintainer, 0, len(s.maintainers))
	for _, m := range s.maintainers {
		if m.Layer >= minLayer {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (s *Snapshot) Node(id string) (EconomicNode, bool) {
	if s == nil {
		return EconomicNode{}, false
	}
	n, ok := s.nodes[id]
	return n, ok
}

func (s *Snapshot) NodeByHandle(handle string) (EconomicNode, bool) {
	if s == nil {
		return EconomicNode{}, false
	}
	id, ok := s.byHandle[handle]
	if !ok {
		return EconomicNode{}, false
	}
	return s.nodes[id], true
}

func (s *Snapshot) ActiveNodes() []EconomicNode {
	out := make([]EconomicNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n.Status == NodeActive {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TotalWeight sums active weight of mining (mining=true) or non-mining nodes.
func (s *Snapshot) TotalWeight(mining bool) float64 {
	var total float64
	for _, n := range s.nodes {
		if n.Kind.IsMining() == mining {
			total += n.EffectiveWeight()
		}
	}
	return total
}

// Maintainers returns every record, active and inactive, for persistence.
func (s *Snapshot) Maintainers() []Maintainer {
	out := make([]Maintainer, 0, len(s.maintainers)+len(s.inactive))
	for _, m := range s.maintainers {
		out = append(out, m)
	}
	out = append(out, s.inactive...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username == out[j].Username {
			return out[i].PublicKey < out[j].PublicKey
		}
		return out[i].Username < out[j].Username
	})
	return out
}

func (s *Snapshot) Nodes() []EconomicNode {
	out := make([]EconomicNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Static serves the same snapshot for every decision.
type Static struct {
	snap *Snapshot
}

func NewStatic(snap *Snapshot) *Static {
	return &Static{snap: snap}
}

func (s *Static) Snapshot(context.Context) (*Snapshot, error) {
	return s.snap, nil
}
