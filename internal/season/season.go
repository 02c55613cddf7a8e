package season

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid marks a season configuration that cannot be ingested.
var ErrInvalid = errors.New("invalid season config")

// Config identifies a scoring epoch. It must not change once ingestion has
// started for the season.
type Config struct {
	ID         string
	Start      time.Time
	StartBlock uint64
	End        *time.Time
}

// Validate checks the fields a pass depends on.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: season id is required", ErrInvalid)
	}
	if strings.ContainsAny(c.ID, ": ") {
		return fmt.Errorf("%w: season id %q must not contain ':' or spaces", ErrInvalid, c.ID)
	}
	if c.Start.IsZero() {
		return fmt.Errorf("%w: season start is required", ErrInvalid)
	}
	if c.End != nil && !c.End.After(c.Start) {
		return fmt.Errorf("%w: season end %s is not after start %s", ErrInvalid, c.End.UTC().Format(time.RFC3339), c.Start.UTC().Format(time.RFC3339))
	}
	return nil
}

// StartSec is the window start in unix seconds.
func (c Config) StartSec() int64 {
	return c.Start.Unix()
}

// EndSec is the window end in unix seconds, capped at now.
func (c Config) EndSec(now time.Time) int64 {
	if c.End != nil && c.End.Before(now) {
		return c.End.Unix()
	}
	return now.Unix()
}

// Started reports whether the season has begun at now.
func (c Config) Started(now time.Time) bool {
	return !c.Start.IsZero() && !now.Before(c.Start)
}

// Ended reports whether the season is over at now.
func (c Config) Ended(now time.Time) bool {
	return c.End != nil && !now.Before(*c.End)
}
