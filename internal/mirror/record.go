// Package mirror implements the at-least-once mirroring core: the pump,
// the flush-commit barrier, and the producer/consumer adapters around it.
package mirror

import "fmt"

// Coords identifies a record's position on the source cluster.
type Coords struct {
	Topic     string
	Partition int32
	Offset    int64
}

func (c Coords) String() string {
	return fmt.Sprintf("%s[%d]@%d", c.Topic, c.Partition, c.Offset)
}

// Record is a record-in-flight: created when handed to the producer
// adapter, destroyed when its completion callback returns.
type Record struct {
	Source    Coords
	DestTopic string
	Key       []byte
	Value     []byte
}
