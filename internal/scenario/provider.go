package scenario

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quadtile/drover/internal/log"
)

// KeyCheck reports whether a routing key has a registered consumer. The
// provider refuses to load a scenario referencing an unknown key.
type KeyCheck func(routingKey string) bool

// Provider loads the scenario directory and hands out deep copies by id.
type Provider struct {
	dir    string
	check  KeyCheck
	logger zerolog.Logger

	mu        sync.RWMutex
	scenarios map[uuid.UUID]*Scenario
}

// NewProvider loads every scenario under dir. Any parse or validation
// error fails the load; startup should abort on it.
func NewProvider(dir string, check KeyCheck) (*Provider, error) {
	p := &Provider{
		dir:    dir,
		check:  check,
		logger: log.WithComponent("scenario"),
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the directory. On error the previous set stays in place.
func (p *Provider) Reload() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return fmt.Errorf("failed to read scenario directory %s: %w", p.dir, err)
	}

	loaded := make(map[uuid.UUID]*Scenario)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".xml") {
			continue
		}
		path := filepath.Join(p.dir, entry.Name())
		sc, err := parseFile(path)
		if err != nil {
			return err
		}
		if err := p.validate(sc, entry.Name()); err != nil {
			return err
		}
		if _, dup := loaded[sc.id]; dup {
			return fmt.Errorf("%s: duplicate scenario id %s", entry.Name(), sc.id)
		}
		loaded[sc.id] = sc
	}
	if len(loaded) == 0 {
		return fmt.Errorf("no scenarios found under %s", p.dir)
	}

	p.mu.Lock()
	p.scenarios = loaded
	p.mu.Unlock()
	p.logger.Info().Int("count", len(loaded)).Str("dir", p.dir).Msg("scenarios loaded")
	return nil
}

// GetScenario returns a deep copy of the scenario, so the running task may
// mutate per-node locker state without touching other tasks.
func (p *Provider) GetScenario(id uuid.UUID) (*Scenario, error) {
	p.mu.RLock()
	sc, ok := p.scenarios[id]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown scenario %s", id)
	}
	return sc.Clone(), nil
}

// Info describes one loaded scenario for listings.
type Info struct {
	ID        uuid.UUID
	Name      string
	InputType InputType
	Steps     []string
}

// List describes every loaded scenario, sorted by name.
func (p *Provider) List() []Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	infos := make([]Info, 0, len(p.scenarios))
	for _, sc := range p.scenarios {
		infos = append(infos, Info{
			ID:        sc.id,
			Name:      sc.name,
			InputType: sc.inputType,
			Steps:     sc.RoutingKeys(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (p *Provider) validate(sc *Scenario, file string) error {
	for _, key := range sc.RoutingKeys() {
		if !p.check(key) {
			return fmt.Errorf("%s: scenario %q references unknown routing key %q", file, sc.name, key)
		}
	}
	return nil
}

// xmlNode is the raw document shape. Attribute relevance depends on the
// element name; buildNode rejects misplaced ones.
type xmlNode struct {
	XMLName     xml.Name
	ID          string    `xml:"id,attr"`
	Name        string    `xml:"name,attr"`
	Input       string    `xml:"input,attr"`
	Notify      string    `xml:"notify,attr"`
	LockCells   string    `xml:"lock_cells,attr"`
	LockObjects string    `xml:"lock_objects,attr"`
	RoutingKey  string    `xml:"routing-key,attr"`
	Children    []xmlNode `xml:",any"`
}

func parseFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return sc, nil
}

// Parse builds a scenario tree from its XML document.
func Parse(data []byte) (*Scenario, error) {
	var root xmlNode
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("malformed scenario document: %w", err)
	}
	if root.XMLName.Local != "scenario" {
		return nil, fmt.Errorf("root element is <%s>, want <scenario>", root.XMLName.Local)
	}

	id, err := uuid.Parse(root.ID)
	if err != nil {
		return nil, fmt.Errorf("scenario id %q: %w", root.ID, err)
	}
	if root.Name == "" {
		return nil, fmt.Errorf("scenario %s has no name", id)
	}
	inputType, err := ParseInputType(root.Input)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", root.Name, err)
	}
	if len(root.Children) != 1 {
		return nil, fmt.Errorf("scenario %q must have exactly one child, got %d", root.Name, len(root.Children))
	}

	child, err := buildNode(root.Children[0])
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", root.Name, err)
	}
	if _, ok := child.(*Run); ok {
		return nil, fmt.Errorf("scenario %q: root child must be a group, got <run>", root.Name)
	}

	var notify []string
	if root.Notify != "" {
		for _, alias := range strings.Split(root.Notify, ",") {
			if alias = strings.TrimSpace(alias); alias != "" {
				notify = append(notify, alias)
			}
		}
	}

	return &Scenario{
		id:        id,
		name:      root.Name,
		inputType: inputType,
		notify:    notify,
		child:     child,
	}, nil
}

func buildNode(n xmlNode) (Node, error) {
	switch n.XMLName.Local {
	case "run":
		if n.RoutingKey == "" {
			return nil, fmt.Errorf("<run> has no routing-key")
		}
		if len(n.Children) > 0 {
			return nil, fmt.Errorf("<run routing-key=%q> may not have children", n.RoutingKey)
		}
		if n.LockCells != "" || n.LockObjects != "" {
			return nil, fmt.Errorf("<run routing-key=%q> may not carry locks", n.RoutingKey)
		}
		return NewRun(n.RoutingKey), nil

	case "consequent", "concurrent":
		locker, err := buildLocker(n)
		if err != nil {
			return nil, err
		}
		if len(n.Children) == 0 {
			return nil, fmt.Errorf("<%s> has no children", n.XMLName.Local)
		}
		children := make([]Node, len(n.Children))
		for i, c := range n.Children {
			if children[i], err = buildNode(c); err != nil {
				return nil, err
			}
		}
		if n.XMLName.Local == "consequent" {
			return NewConsequent(locker, children...), nil
		}
		return NewConcurrent(locker, children...), nil
	}
	return nil, fmt.Errorf("unknown element <%s>", n.XMLName.Local)
}

func buildLocker(n xmlNode) (Locker, error) {
	if n.LockCells != "" && n.LockObjects != "" {
		return nil, fmt.Errorf("<%s> carries both lock_cells and lock_objects", n.XMLName.Local)
	}
	if n.LockCells != "" {
		locker, err := NewCellLocker(n.LockCells)
		if err != nil {
			return nil, fmt.Errorf("<%s lock_cells=%q>: %w", n.XMLName.Local, n.LockCells, err)
		}
		return locker, nil
	}
	if n.LockObjects != "" {
		locker, err := NewObjectLocker(n.LockObjects)
		if err != nil {
			return nil, fmt.Errorf("<%s lock_objects=%q>: %w", n.XMLName.Local, n.LockObjects, err)
		}
		return locker, nil
	}
	return nil, nil
}
