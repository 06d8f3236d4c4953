package services

import (
	"bytes"

	"github.com/ios-remotexpc/remotexpc/ios/plist"
	"github.com/ios-remotexpc/remotexpc/ios/servicefabric"
	"github.com/ios-remotexpc/remotexpc/ios/tunnel"
)

// plistMarkers are the byte sequences that indicate an embedded plist
// header inside an otherwise free-text syslog packet payload.
var plistMarkers = [][]byte{[]byte("<?xml"), []byte("<plist"), []byte("bplist00"), []byte("Ibplist00")}

// MessageEvent is one syslog line recovered from a qualifying packet.
type MessageEvent struct {
	Text string
}

// PlistEvent is an embedded plist recovered from a syslog packet that
// also qualified as a message.
type PlistEvent struct {
	Value plist.Value
}

// SyslogService drives com.apple.syslog_relay: control-channel
// StartActivity, then packet-source consumption. Syslog payloads never
// arrive over the TLS control connection; they arrive as TCP packets via
// the tunnel's packet source.
type SyslogService struct {
	fabric   *servicefabric.Fabric
	source   tunnel.PacketSource
	consumer tunnel.PacketConsumer

	onMessage func(MessageEvent)
	onPlist   func(PlistEvent)
}

// NewSyslogService wraps an already-connected, checked-in fabric and the
// tunnel's packet source. onMessage is called for every qualifying
// packet; onPlist additionally for packets carrying a recognizable plist
// header. Either callback may be nil.
func NewSyslogService(fabric *servicefabric.Fabric, source tunnel.PacketSource, onMessage func(MessageEvent), onPlist func(PlistEvent)) *SyslogService {
	return &SyslogService{fabric: fabric, source: source, onMessage: onMessage, onPlist: onPlist}
}

// Start sends StartActivity and registers as a packet consumer. pid is
// the target process id, or -1 for all processes.
func (s *SyslogService) Start(pid int64) error {
	req := plist.Dict(
		plist.P("Request", plist.String("StartActivity")),
		plist.P("MessageFilter", plist.Int(65535)),
		plist.P("Pid", plist.Int(pid)),
		plist.P("StreamFlags", plist.Int(60)),
	)
	if _, err := s.fabric.SendPlistRequest(req, 0); err != nil {
		return err
	}
	s.consumer = tunnel.PacketConsumerFunc(s.handlePacket)
	s.source.AddPacketConsumer(s.consumer)
	return nil
}

// Stop tears down the packet listener and closes the control connection.
func (s *SyslogService) Stop() error {
	if s.consumer != nil {
		s.source.RemovePacketConsumer(s.consumer)
		s.consumer = nil
	}
	return s.fabric.Close()
}

func (s *SyslogService) handlePacket(p tunnel.Packet) {
	if p.Protocol != "TCP" {
		return
	}
	if !mostlyPrintableASCII(p.Payload) {
		return
	}

	if s.onMessage != nil {
		s.onMessage(MessageEvent{Text: stripNonPrintable(p.Payload)})
	}
	if s.onPlist != nil {
		if v, ok := sniffEmbeddedPlist(p.Payload); ok {
			s.onPlist(PlistEvent{Value: v})
		}
	}
}

func mostlyPrintableASCII(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	printable := 0
	for _, c := range b {
		if c >= 0x20 && c <= 0x7E {
			printable++
		}
	}
	return float64(printable)/float64(len(b)) > 0.5
}

func stripNonPrintable(b []byte) string {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c >= 0x20 && c <= 0x7E {
			out = append(out, c)
		}
	}
	return string(out)
}

func sniffEmbeddedPlist(b []byte) (plist.Value, bool) {
	start := -1
	for _, marker := range plistMarkers {
		if i := bytes.Index(b, marker); i >= 0 && (start == -1 || i < start) {
			start = i
		}
	}
	if start == -1 {
		return plist.Value{}, false
	}

	payload := b[start:]
	// "Ibplist00" carries a one-byte protocol tag before the real magic.
	if bytes.HasPrefix(payload, []byte("Ibplist00")) {
		payload = payload[1:]
	}

	v, err := plist.ParsePlist(payload)
	if err != nil {
		return plist.Value{}, false
	}
	return v, true
}
