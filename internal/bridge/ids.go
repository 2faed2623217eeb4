package bridge

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

var (
	processStart = time.Now()
	requestSeq   atomic.Uint64
)

// NewRequestID returns a request id built from the wall clock in milliseconds,
// a monotonic nanosecond reading, the process id and a process-local
// sequence. Ids sort by wall-clock time and never repeat within a process.
func NewRequestID() string {
	now := time.Now()
	return fmt.Sprintf("%d_%d_%d_%d",
		now.UnixMilli(),
		now.Sub(processStart).Nanoseconds(),
		os.Getpid(),
		requestSeq.Add(1),
	)
}
