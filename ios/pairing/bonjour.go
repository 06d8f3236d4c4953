package pairing

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// BonjourServiceKey identifies one discovered mDNS service instance.
type BonjourServiceKey struct {
	Name          string
	Type          string
	Domain        string
	InterfaceIdx  int
}

// BonjourEvent is emitted for every add/remove line the browse tool prints.
type BonjourEvent struct {
	Added bool
	Key   BonjourServiceKey
}

// BonjourBrowser runs the host's mDNS browse tool (dns-sd on macOS,
// avahi-browse on Linux) and parses its textual output into add/remove
// events, maintaining an in-memory set of currently-discovered services.
type BonjourBrowser struct {
	cmdName string
	cmdArgs []string

	mu       sync.Mutex
	services map[BonjourServiceKey]struct{}
	handler  func(BonjourEvent)
}

// NewBonjourBrowser builds a browser for serviceType (e.g.
// "_remotepairing._tcp") using cmdName/cmdArgs as the browse tool
// invocation; callers on macOS typically pass ("dns-sd", []string{"-B",
// serviceType}), and on Linux ("avahi-browse", []string{"-r", "-p",
// serviceType}).
func NewBonjourBrowser(cmdName string, cmdArgs []string) *BonjourBrowser {
	return &BonjourBrowser{
		cmdName:  cmdName,
		cmdArgs:  cmdArgs,
		services: make(map[BonjourServiceKey]struct{}),
	}
}

// OnEvent registers the callback invoked for every serviceAdded/
// serviceRemoved transition. Must be called before Run.
func (b *BonjourBrowser) OnEvent(handler func(BonjourEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

// Run starts the browse tool and blocks, parsing its stdout until ctx is
// canceled or the process exits.
func (b *BonjourBrowser) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, b.cmdName, b.cmdArgs...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		b.handleLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		log.WithError(err).Warn("bonjour browse scanner error")
	}
	return cmd.Wait()
}

// handleLine parses one line of dns-sd/avahi-browse output: a leading
// '+'/'-' (avahi) or "Add"/"Rmv" (dns-sd) token, two columns that are
// skipped, then the instance name, the service type, and the domain.
func (b *BonjourBrowser) handleLine(line string) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return
	}

	added, isEvent := classifyBonjourLine(fields[0])
	if !isEvent {
		return
	}

	key, ok := parseBonjourFields(fields)
	if !ok {
		return
	}

	b.mu.Lock()
	if added {
		b.services[key] = struct{}{}
	} else {
		delete(b.services, key)
	}
	handler := b.handler
	b.mu.Unlock()

	if handler != nil {
		handler(BonjourEvent{Added: added, Key: key})
	}
}

func classifyBonjourLine(token string) (added bool, ok bool) {
	switch token {
	case "Add", "+":
		return true, true
	case "Rmv", "-":
		return false, true
	default:
		return false, false
	}
}

// parseBonjourFields is deliberately forgiving: real dns-sd/avahi-browse
// column layouts vary by flag set, so it extracts name/type/domain
// positionally from the trailing fields rather than matching a fixed
// format.
func parseBonjourFields(fields []string) (BonjourServiceKey, bool) {
	if len(fields) < 4 {
		return BonjourServiceKey{}, false
	}
	n := len(fields)
	return BonjourServiceKey{
		Domain: fields[n-1],
		Type:   fields[n-2],
		Name:   strings.Join(fields[3:n-2], " "),
	}, true
}

// Services returns a snapshot of currently discovered service keys.
func (b *BonjourBrowser) Services() []BonjourServiceKey {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BonjourServiceKey, 0, len(b.services))
	for k := range b.services {
		out = append(out, k)
	}
	return out
}
