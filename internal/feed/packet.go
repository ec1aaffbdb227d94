package feed

import "time"

// Packet is the immutable snapshot handed from a flush to the distribution
// engine. Conflated holds the latest event per symbol for conflating types;
// Streams holds insertion-ordered events for streaming types.
type Packet struct {
	Seq       uint64
	FlushedAt time.Time
	Conflated map[DataType]map[string]*Event
	Streams   map[DataType][]*Event
}

// Empty reports whether the packet carries no data at all.
func (p *Packet) Empty() bool {
	for _, bySymbol := range p.Conflated {
		if len(bySymbol) > 0 {
			return false
		}
	}
	for _, evs := range p.Streams {
		if len(evs) > 0 {
			return false
		}
	}
	return true
}

// Size returns the total number of events in the packet.
func (p *Packet) Size() int {
	n := 0
	for _, bySymbol := range p.Conflated {
		n += len(bySymbol)
	}
	for _, evs := range p.Streams {
		n += len(evs)
	}
	return n
}
