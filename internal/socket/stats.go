package socket

import "go.uber.org/atomic"

// Stats is a point-in-time copy of a Socket's counters.
type Stats struct {
	BytesSent     int64
	BytesReceived int64
	Reads         int64
	PartialWrites int64
}

type stats struct {
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	reads         atomic.Int64
	partialWrites atomic.Int64
}

func (s *stats) snapshot() Stats {
	return Stats{
		BytesSent:     s.bytesSent.Load(),
		BytesReceived: s.bytesReceived.Load(),
		Reads:         s.reads.Load(),
		PartialWrites: s.partialWrites.Load(),
	}
}
