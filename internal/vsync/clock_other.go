//go:build !linux

package vsync

import "time"

var epoch = time.Now()

func monotonicNow() int64 {
	return int64(time.Since(epoch))
}
