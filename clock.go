package pinenut

import "time"

// Clock yields the current wall-clock time. Injectable for tests, the way
// segment rotation and record datetimes are driven deterministically.
type Clock func() time.Time

func splitTime(t time.Time) (secs int64, nsecs uint32) {
	return t.Unix(), uint32(t.Nanosecond())
}
