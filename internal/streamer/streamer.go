// Package streamer moves packet batches between a UDP socket and
// channels, one goroutine per direction. The receive side coalesces
// bursts into batches so downstream locking is paid per batch, and
// recycles batch buffers through a pool so the steady state does not
// allocate.
package streamer

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"gossipnet/internal/logutil"
	"gossipnet/internal/proto"
)

const (
	// BatchSize bounds how many packets one batch carries.
	BatchSize = 64

	// recvTimeout is how long an idle socket read waits before the
	// loop rechecks the exit flag.
	recvTimeout = 1 * time.Second

	// coalesceTimeout is the extra window after the first packet in
	// which followers join the same batch.
	coalesceTimeout = 1 * time.Millisecond

	// sendTimeout bounds how long a full downstream channel stalls the
	// receive loop before the batch is dropped.
	sendTimeout = 1 * time.Second
)

// Stats counts streamer traffic. Fields are read while the loops run.
type Stats struct {
	PacketsReceived atomic.Uint64
	BatchesReceived atomic.Uint64
	BatchesDropped  atomic.Uint64
	RecvErrors      atomic.Uint64
	PacketsSent     atomic.Uint64
	SendErrors      atomic.Uint64
}

// Snapshot is the current cumulative counter values, keyed by metric
// name.
func (s *Stats) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"packets_received": s.PacketsReceived.Load(),
		"batches_received": s.BatchesReceived.Load(),
		"batches_dropped":  s.BatchesDropped.Load(),
		"recv_errors":      s.RecvErrors.Load(),
		"packets_sent":     s.PacketsSent.Load(),
		"send_errors":      s.SendErrors.Load(),
	}
}

// BatchPool recycles packet batch buffers between the receiver and
// whoever finishes processing a batch.
type BatchPool struct {
	pool sync.Pool
}

func NewBatchPool() *BatchPool {
	return &BatchPool{pool: sync.Pool{New: func() any {
		b := make(proto.PacketBatch, 0, BatchSize)
		return &b
	}}}
}

func (p *BatchPool) Get() proto.PacketBatch {
	b := p.pool.Get().(*proto.PacketBatch)
	return (*b)[:0]
}

func (p *BatchPool) Put(b proto.PacketBatch) {
	if cap(b) == 0 {
		return
	}
	b = b[:0]
	p.pool.Put(&b)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ReadBatch appends datagrams from conn to batch: one blocking read
// bounded by recvTimeout, then a short drain window so a burst lands
// in a single batch. A timeout with nothing read returns the empty
// batch and no error.
func ReadBatch(conn *net.UDPConn, batch proto.PacketBatch) (proto.PacketBatch, error) {
	if err := conn.SetReadDeadline(time.Now().Add(recvTimeout)); err != nil {
		return batch, err
	}
	var p proto.Packet
	for len(batch) < cap(batch) {
		n, addr, err := conn.ReadFromUDPAddrPort(p.Data[:])
		if err != nil {
			if isTimeout(err) {
				return batch, nil
			}
			return batch, err
		}
		p.Size, p.Addr = n, addr
		batch = append(batch, p)
		if len(batch) == 1 {
			if err := conn.SetReadDeadline(time.Now().Add(coalesceTimeout)); err != nil {
				return batch, err
			}
		}
	}
	return batch, nil
}

// Receive reads batches from conn into out until exit is set. Socket
// errors back off exponentially instead of spinning; a stalled out
// channel drops the batch after sendTimeout so the socket keeps
// draining.
func Receive(conn *net.UDPConn, exit *atomic.Bool, out chan<- proto.PacketBatch, pool *BatchPool, stats *Stats) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	for !exit.Load() {
		batch, err := ReadBatch(conn, pool.Get())
		if err != nil {
			pool.Put(batch)
			if exit.Load() {
				return
			}
			stats.RecvErrors.Add(1)
			logrus.WithError(err).Warn("gossip socket read failed")
			time.Sleep(bo.NextBackOff())
			continue
		}
		bo.Reset()
		if len(batch) == 0 {
			pool.Put(batch)
			continue
		}
		stats.PacketsReceived.Add(uint64(len(batch)))
		stats.BatchesReceived.Add(1)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sendTimeout)
		select {
		case out <- batch:
		case <-timer.C:
			stats.BatchesDropped.Add(1)
			pool.Put(batch)
		}
	}
}

// Respond writes each packet of each incoming batch to its address,
// returning the buffers to the pool. Runs until in closes.
func Respond(conn *net.UDPConn, in <-chan proto.PacketBatch, pool *BatchPool, stats *Stats) {
	for batch := range in {
		for i := range batch {
			p := &batch[i]
			if !p.Addr.IsValid() || p.Addr.Port() == 0 || p.Size == 0 {
				continue
			}
			if _, err := conn.WriteToUDPAddrPort(p.Bytes(), p.Addr); err != nil {
				stats.SendErrors.Add(1)
				logutil.Warnf("udp-send", 5*time.Second, "gossip socket write failed: %v", err)
				continue
			}
			stats.PacketsSent.Add(1)
		}
		pool.Put(batch)
	}
}
