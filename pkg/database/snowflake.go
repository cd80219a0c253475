package database

import (
	"sync/atomic"
	"time"
)

// Snowflake generates time-ordered 64-bit message ids.
// Layout: 41 bits of milliseconds since epoch | 10 bits worker | 12 bits sequence.
// Ordering by id therefore matches ordering by creation time within one worker.
type Snowflake struct {
	epoch    int64
	workerID int64
	state    atomic.Int64 // last timestamp << sequenceBits | sequence
	now      func() int64
}

const (
	workerIDBits   = 10
	sequenceBits   = 12
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

// NewSnowflake creates a generator. epoch is in Unix milliseconds; workerID
// outside 0-1023 is clamped to 0.
func NewSnowflake(epoch int64, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{
		epoch:    epoch,
		workerID: workerID,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// NextID returns the next id. Safe for concurrent use.
func (s *Snowflake) NextID() int64 {
	for {
		old := s.state.Load()
		lastTime := old >> sequenceBits
		seq := old & sequenceMask

		ts := s.now()
		if ts < lastTime {
			// Clock went backwards: keep issuing from the last known millisecond
			ts = lastTime
		}

		if ts == lastTime {
			seq = (seq + 1) & sequenceMask
			if seq == 0 {
				// 4096 ids in one millisecond; wait for the next one
				for ts <= lastTime {
					ts = s.now()
				}
			}
		} else {
			seq = 0
		}

		if s.state.CompareAndSwap(old, ts<<sequenceBits|seq) {
			return (ts-s.epoch)<<timestampShift | s.workerID<<workerIDShift | seq
		}
	}
}
