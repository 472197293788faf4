package buffer

// Statistics tracks MessageBuffer activity. Unlike the atomic-counter
// structs used by the transport packages, these fields are only ever
// touched while Buffer.mu is held, since every update already happens
// inside a mutation of the buffer's own state.
type Statistics struct {
	PacketsReceived      uint64
	PacketsDelivered     uint64
	PacketsReordered     uint64
	PacketsDropped       uint64
	Duplicates           uint64
	GapsDetected         uint64
	CurrentBufferSize    int
	MaxBufferSizeReached int
}
