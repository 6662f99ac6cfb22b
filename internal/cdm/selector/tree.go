package selector

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"tessera/internal/cdm"
	"tessera/internal/keys"
)

// Kind classifies a node of the identity tree.
type Kind int

const (
	// Leaf names a CDM.
	Leaf Kind = iota
	// ProfileMap branches on the credential profile.
	ProfileMap
	// QualityMap branches on quality predicates such as ">=1080".
	QualityMap
	// SchemeMap branches on the DRM scheme.
	SchemeMap
)

func (k Kind) String() string {
	switch k {
	case Leaf:
		return "leaf"
	case ProfileMap:
		return "profile"
	case QualityMap:
		return "quality"
	case SchemeMap:
		return "scheme"
	default:
		return "unknown"
	}
}

const defaultKey = "default"

// Node is one classified entry of the identity tree.
type Node struct {
	Kind Kind
	// Name is set for leaves.
	Name string
	// Children holds branch entries other than "default", keyed as
	// configured for profile maps and lowercased for scheme maps.
	Children map[string]*Node
	// Predicates holds quality branches in evaluation order.
	Predicates []Predicate
	Default    *Node
	path       string
}

// Op is a quality comparison.
type Op int

const (
	OpEqual Op = iota
	OpGreater
	OpGreaterEqual
	OpLess
	OpLessEqual
)

// Predicate is a parsed quality key.
type Predicate struct {
	Key       string
	Op        Op
	Threshold int
	Node      *Node
}

// Matches reports whether quality satisfies the predicate.
func (p Predicate) Matches(quality int) bool {
	switch p.Op {
	case OpEqual:
		return quality == p.Threshold
	case OpGreater:
		return quality > p.Threshold
	case OpGreaterEqual:
		return quality >= p.Threshold
	case OpLess:
		return quality < p.Threshold
	case OpLessEqual:
		return quality <= p.Threshold
	default:
		return false
	}
}

// ParsePredicate reads keys of the form "1080", "1080p", ">720", ">=720",
// "<480" and "<=480".
func ParsePredicate(key string) (Predicate, bool) {
	value := strings.TrimSpace(key)
	op := OpEqual
	switch {
	case strings.HasPrefix(value, ">="):
		op, value = OpGreaterEqual, value[2:]
	case strings.HasPrefix(value, "<="):
		op, value = OpLessEqual, value[2:]
	case strings.HasPrefix(value, ">"):
		op, value = OpGreater, value[1:]
	case strings.HasPrefix(value, "<"):
		op, value = OpLess, value[1:]
	}
	value = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(value)), "p")
	threshold, err := strconv.Atoi(value)
	if err != nil || threshold < 0 {
		return Predicate{}, false
	}
	return Predicate{Key: key, Op: op, Threshold: threshold}, true
}

// rank orders exact matches first, then lower bounds, then upper bounds.
func (p Predicate) rank() int {
	switch p.Op {
	case OpEqual:
		return 0
	case OpGreater, OpGreaterEqual:
		return 1
	default:
		return 2
	}
}

// SortPredicates puts predicates in evaluation order: exact values, then
// ">"/">=" by descending threshold, then "<"/"<=" by ascending threshold.
// Equal thresholds keep their input order.
func SortPredicates(predicates []Predicate) {
	sort.SliceStable(predicates, func(i, j int) bool {
		a, b := predicates[i], predicates[j]
		if a.rank() != b.rank() {
			return a.rank() < b.rank()
		}
		switch a.rank() {
		case 1:
			return a.Threshold > b.Threshold
		case 2:
			return a.Threshold < b.Threshold
		default:
			return false
		}
	})
}

// Tree is the classified [cdm] table: service entries plus a global default.
type Tree struct {
	Services map[string]*Node
	Default  *Node
}

// ParseTree classifies a decoded [cdm] table.
func ParseTree(raw map[string]any) (*Tree, error) {
	tree := &Tree{Services: map[string]*Node{}}
	for _, key := range sortedKeys(raw) {
		node, err := parseNode("cdm."+key, raw[key])
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(key, defaultKey) {
			tree.Default = node
			continue
		}
		tree.Services[strings.ToLower(key)] = node
	}
	return tree, nil
}

func parseNode(path string, value any) (*Node, error) {
	switch v := value.(type) {
	case string:
		name := strings.TrimSpace(v)
		if name == "" {
			return nil, &keys.ConfigurationError{Key: path, Message: "cdm name is empty"}
		}
		return &Node{Kind: Leaf, Name: name, path: path}, nil
	case map[string]any:
		return parseTable(path, v)
	default:
		return nil, &keys.ConfigurationError{Key: path, Message: fmt.Sprintf("expected a cdm name or table, got %T", value)}
	}
}

func parseTable(path string, table map[string]any) (*Node, error) {
	if len(table) == 0 {
		return nil, &keys.ConfigurationError{Key: path, Message: "table is empty"}
	}
	node := &Node{Children: map[string]*Node{}, path: path}
	entries := sortedKeys(table)
	branchKeys := make([]string, 0, len(entries))
	for _, key := range entries {
		if strings.EqualFold(key, defaultKey) {
			child, err := parseNode(path+"."+key, table[key])
			if err != nil {
				return nil, err
			}
			node.Default = child
			continue
		}
		branchKeys = append(branchKeys, key)
	}
	node.Kind = classify(branchKeys)

	for _, key := range branchKeys {
		child, err := parseNode(path+"."+key, table[key])
		if err != nil {
			return nil, err
		}
		switch node.Kind {
		case QualityMap:
			predicate, _ := ParsePredicate(key)
			predicate.Node = child
			node.Predicates = append(node.Predicates, predicate)
		case SchemeMap:
			scheme, _ := cdm.ParseScheme(key)
			node.Children[string(scheme)] = child
		default:
			node.Children[key] = child
		}
	}
	SortPredicates(node.Predicates)
	return node, nil
}

// classify decides what a table branches on. A table whose keys are all
// quality predicates is a quality map; all scheme names makes a scheme map;
// anything else is a profile map.
func classify(branchKeys []string) Kind {
	if len(branchKeys) == 0 {
		return ProfileMap
	}
	allQuality, allScheme := true, true
	for _, key := range branchKeys {
		if _, ok := ParsePredicate(key); !ok {
			allQuality = false
		}
		if _, err := cdm.ParseScheme(key); err != nil {
			allScheme = false
		}
	}
	switch {
	case allQuality:
		return QualityMap
	case allScheme:
		return SchemeMap
	default:
		return ProfileMap
	}
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for key := range m {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Request is the input to CDM resolution. Quality is the track's vertical
// resolution; zero means unknown.
type Request struct {
	Service string
	Profile string
	Scheme  cdm.Scheme
	Quality int
}

// Resolve walks the tree to a CDM name. The service entry is tried first and
// the global default is used when the service has no entry or its branches
// do not resolve.
func (t *Tree) Resolve(req Request) (string, error) {
	service := strings.ToLower(strings.TrimSpace(req.Service))
	if node, ok := t.Services[service]; ok {
		name, err := node.resolve(req)
		if err == nil {
			return name, nil
		}
		if t.Default == nil {
			return "", err
		}
	}
	if t.Default == nil {
		return "", &keys.ConfigurationError{Key: "cdm." + service, Message: "no cdm configured for service and no cdm.default"}
	}
	return t.Default.resolve(req)
}

func (n *Node) resolve(req Request) (string, error) {
	switch n.Kind {
	case Leaf:
		return n.Name, nil
	case QualityMap:
		if req.Quality > 0 {
			for _, predicate := range n.Predicates {
				if predicate.Matches(req.Quality) {
					return predicate.Node.resolve(req)
				}
			}
		}
		return n.fallback(req, fmt.Sprintf("no predicate matches quality %d", req.Quality))
	case SchemeMap:
		scheme := req.Scheme
		if scheme == "" {
			for _, primary := range []cdm.Scheme{cdm.Widevine, cdm.PlayReady, cdm.ClearKey} {
				if child, ok := n.Children[string(primary)]; ok {
					return child.resolve(req)
				}
			}
		}
		if child, ok := n.Children[string(scheme)]; ok {
			return child.resolve(req)
		}
		return n.fallback(req, fmt.Sprintf("no entry for scheme %q", scheme))
	default:
		if child, ok := n.Children[req.Profile]; ok && req.Profile != "" {
			return child.resolve(req)
		}
		return n.fallback(req, fmt.Sprintf("no entry for profile %q", req.Profile))
	}
}

func (n *Node) fallback(req Request, reason string) (string, error) {
	if n.Default != nil {
		return n.Default.resolve(req)
	}
	return "", &keys.ConfigurationError{Key: n.path, Message: reason + " and no default"}
}
