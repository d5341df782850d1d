package ids

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

const (
	workerBits   = 12
	sequenceBits = 9
	maxWorkerID  = 1<<workerBits - 1
	maxSequence  = 1<<sequenceBits - 1
	workerShift  = sequenceBits
	timeShift    = sequenceBits + workerBits
)

// Epoch is the zero point of snowflake timestamps.
var Epoch = time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

// Generator mints snowflake ids and the public ids derived from them.
// Safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	workerID int64
	lastMS   int64
	sequence int64
	now      func() time.Time
	sleep    func(time.Duration)
}

// NewGenerator returns a generator for workerID. A negative workerID picks a
// random one.
func NewGenerator(workerID int64) (*Generator, error) {
	if workerID < 0 {
		var b [2]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, err
		}
		workerID = int64(binary.BigEndian.Uint16(b[:])) & maxWorkerID
	}
	if workerID > maxWorkerID {
		return nil, fmt.Errorf("worker id %d exceeds %d", workerID, maxWorkerID)
	}
	return &Generator{workerID: workerID, now: time.Now, sleep: time.Sleep}, nil
}

func (g *Generator) WorkerID() int64 { return g.workerID }

func (g *Generator) NextID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli() - Epoch.UnixMilli()
	if ms < g.lastMS {
		// Clock went backwards: keep issuing from the last timestamp.
		ms = g.lastMS
	}
	if ms == g.lastMS {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for ms <= g.lastMS {
				g.sleep(time.Millisecond)
				if now := g.now().UnixMilli() - Epoch.UnixMilli(); now > ms {
					ms = now
				}
				if ms <= g.lastMS {
					// Clock stalled or behind: advance logically.
					ms = g.lastMS + 1
				}
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMS = ms
	return ms<<timeShift | g.workerID<<workerShift | g.sequence
}

// Decompose splits a snowflake into its creation time, worker id and sequence.
func Decompose(id int64) (time.Time, int64, int64) {
	ms := id >> timeShift
	worker := (id >> workerShift) & maxWorkerID
	seq := id & maxSequence
	return Epoch.Add(time.Duration(ms) * time.Millisecond), worker, seq
}
