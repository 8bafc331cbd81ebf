package local

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// PortBase is where the scan for a free host port starts.
const PortBase = 40000

// PortMap persists the ref → host port assignment across CLI invocations as
// a single JSON object on disk.
type PortMap struct {
	path string

	mu    sync.Mutex
	ports map[string]int

	// listen is swappable in tests to control which ports look free.
	listen func(port int) bool
}

// NewPortMap opens (or lazily creates) the map at path.
func NewPortMap(path string) *PortMap {
	return &PortMap{
		path:   path,
		listen: portFree,
	}
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

func (p *PortMap) load() error {
	if p.ports != nil {
		return nil
	}
	p.ports = make(map[string]int)
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read port map: %w", err)
	}
	if err := json.Unmarshal(data, &p.ports); err != nil {
		return fmt.Errorf("parse port map %s: %w", p.path, err)
	}
	return nil
}

func (p *PortMap) save() error {
	data, err := json.MarshalIndent(p.ports, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p.path, data, 0o644)
}

// Allocate returns the recorded port for ref when it is still free, or scans
// from PortBase for the first unused port and records it.
func (p *PortMap) Allocate(ref string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.load(); err != nil {
		return 0, err
	}

	if port, ok := p.ports[ref]; ok && p.listen(port) {
		return port, nil
	}

	taken := make(map[int]bool, len(p.ports))
	for _, port := range p.ports {
		taken[port] = true
	}
	for port := PortBase; port < PortBase+1000; port++ {
		if taken[port] || !p.listen(port) {
			continue
		}
		p.ports[ref] = port
		if err := p.save(); err != nil {
			return 0, err
		}
		return port, nil
	}
	return 0, fmt.Errorf("no free port in [%d, %d)", PortBase, PortBase+1000)
}

// Record pins ref to an explicit port, overriding any earlier record.
func (p *PortMap) Record(ref string, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.load(); err != nil {
		return err
	}
	p.ports[ref] = port
	return p.save()
}

// Lookup returns the recorded port without allocating.
func (p *PortMap) Lookup(ref string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.load(); err != nil {
		return 0, false
	}
	port, ok := p.ports[ref]
	return port, ok
}

// Purge drops the record for ref (or every record when ref is "").
func (p *PortMap) Purge(ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.load(); err != nil {
		return err
	}
	if ref == "" {
		p.ports = make(map[string]int)
	} else {
		delete(p.ports, ref)
	}
	return p.save()
}
