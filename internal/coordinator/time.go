package coordinator

import "time"

// nowTime converts the coordinator's TimePort clock into a time.Time for
// event/error timestamps, so error timestamps stay deterministic under a
// ManualClock in tests rather than reading the real wall clock.
func nowTime(c *Coordinator) time.Time {
	return time.UnixMilli(int64(c.timePort.NowMs()))
}
