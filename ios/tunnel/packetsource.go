package tunnel

// Packet is one IP packet delivered to a registered consumer by the
// tunnel's packet source.
type Packet struct {
	Protocol   string // "TCP" or "UDP"
	Src        string
	Dst        string
	SourcePort uint16
	DestPort   uint16
	Payload    []byte
}

// PacketConsumer receives packets from a PacketSource until it is
// removed or the tunnel closes.
type PacketConsumer interface {
	Consume(Packet)
}

// PacketConsumerFunc adapts a plain function to PacketConsumer.
type PacketConsumerFunc func(Packet)

// Consume implements PacketConsumer.
func (f PacketConsumerFunc) Consume(p Packet) { f(p) }

// PacketSource is the external collaborator that demultiplexes the
// tunnel's raw IP traffic to registered consumers. Closing the tunnel
// stops delivery to every consumer still registered.
type PacketSource interface {
	AddPacketConsumer(PacketConsumer)
	RemovePacketConsumer(PacketConsumer)
}
