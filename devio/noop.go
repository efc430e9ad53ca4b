package devio

// Noop claims a port range without backing it with any real state — the
// default handler for ranges a guest probes but this core never emulates
// (ground: iodev.NoopDevice), so an unimplemented port reads as "present
// but inert" instead of routing through the fault router's unmapped-I/O
// path.
type Noop struct {
	Port  uint64
	Psize uint64
}

func (n *Noop) Read(port uint64, data []byte) error {
	for i := range data {
		data[i] = 0xFF
	}

	return nil
}

func (n *Noop) Write(port uint64, data []byte) error {
	return nil
}

func (n *Noop) IOPort() uint64 { return n.Port }

func (n *Noop) Size() uint64 { return n.Psize }
