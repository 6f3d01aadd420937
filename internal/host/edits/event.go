// Package edits consumes layer edit events from Kafka. An edit session
// marks its layer busy so filters are deferred; a commit also drops the
// host's cached copy of the layer.
package edits

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	OpBegin    = "begin"
	OpCommit   = "commit"
	OpRollback = "rollback"
)

type Event struct {
	// Version increases with every edit of a layer; older events are ignored.
	Version uint64    `json:"version"`
	Op      string    `json:"op"`
	Layer   string    `json:"layer"`
	TS      time.Time `json:"ts"`
	Source  string    `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version == 0 {
		return errors.New("version is required")
	}
	switch e.Op {
	case OpBegin, OpCommit, OpRollback:
	default:
		return fmt.Errorf("op must be begin|commit|rollback (got %q)", e.Op)
	}
	if strings.TrimSpace(e.Layer) == "" {
		return errors.New("layer is required")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	return nil
}
