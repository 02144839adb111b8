package domain

import "time"

// UsageLog records what one finished render cost.
type UsageLog struct {
	UserID         string
	JobID          string
	PixelsProduced int64
	ArtifactBytes  int64
	ComputeTimeMS  int64
	CreatedAt      time.Time
}
