package proto

import (
	"github.com/sirupsen/logrus"

	"gossipnet/internal/crds"
)

// SplitGossipMessages packs values into chunks whose combined encoded
// size fits one packet beside the worst-case header, preserving order.
// A value that alone exceeds the budget can never be sent and is
// dropped.
func SplitGossipMessages(values []crds.CrdsValue) [][]crds.CrdsValue {
	var chunks [][]crds.CrdsValue
	var chunk []crds.CrdsValue
	var chunkSize uint64
	for i := range values {
		size := values[i].Size()
		if size > MaxProtocolPayloadSize {
			logrus.Debugf("dropping oversize gossip value %s (%d bytes)", values[i].Label(), size)
			continue
		}
		if chunkSize+size > MaxProtocolPayloadSize {
			chunks = append(chunks, chunk)
			chunk = nil
			chunkSize = 0
		}
		chunk = append(chunk, values[i])
		chunkSize += size
	}
	if len(chunk) > 0 {
		chunks = append(chunks, chunk)
	}
	return chunks
}
