package tunnel

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/ios-remotexpc/remotexpc/ioserr"
)

// defaultStrongboxName is the well-known key sibling processes look up
// the registry's HTTP port under.
const defaultStrongboxName = "remotexpc-tunnel-registry"

// Strongbox is a tiny on-disk JSON key/value file: one process publishes
// {name: port}, and sibling processes read it back to find the
// registry's HTTP server without sharing memory.
type Strongbox struct {
	mu   sync.Mutex
	path string
}

// NewStrongbox returns a Strongbox backed by path (created on first
// Publish if it doesn't exist).
func NewStrongbox(path string) *Strongbox {
	return &Strongbox{path: path}
}

// DefaultStrongboxPath returns the conventional strongbox location under
// the OS temp directory.
func DefaultStrongboxPath() string {
	return filepath.Join(os.TempDir(), "remotexpc-strongbox.json")
}

type strongboxFile map[string]int

// Publish records name -> port, preserving any other keys already in
// the file.
func (s *Strongbox) Publish(name string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readLocked()
	if err != nil {
		return err
	}
	data[name] = port
	return s.writeLocked(data)
}

// Lookup returns the published port for name, if any.
func (s *Strongbox) Lookup(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readLocked()
	if err != nil {
		return 0, false
	}
	port, ok := data[name]
	return port, ok
}

// Remove clears name's entry, e.g. on clean shutdown.
func (s *Strongbox) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readLocked()
	if err != nil {
		return err
	}
	delete(data, name)
	return s.writeLocked(data)
}

func (s *Strongbox) readLocked() (strongboxFile, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return strongboxFile{}, nil
	}
	if err != nil {
		return nil, ioserr.NewTransport(err)
	}
	var data strongboxFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, ioserr.NewParse("strongbox file", err)
	}
	if data == nil {
		data = strongboxFile{}
	}
	return data, nil
}

func (s *Strongbox) writeLocked(data strongboxFile) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return ioserr.NewProtocol("strongbox: encoding file", err)
	}
	return os.WriteFile(s.path, raw, 0o600)
}
