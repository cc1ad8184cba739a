package types

import (
	"time"

	"gopkg.in/guregu/null.v3"
)

func TimeFromTimestamp(timestamp int64) time.Time {
	return time.Unix(timestamp, 0).UTC()
}

func NullTimeFromTimestamp(timestamp int64) null.Time {
	return null.TimeFrom(TimeFromTimestamp(timestamp))
}
