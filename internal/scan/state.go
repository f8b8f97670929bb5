// Package scan drives the per-channel scan lifecycle: starting a run,
// processing its pages and chaining follow-up pages until the run ends.
package scan

import (
	"errors"
	"time"

	"thirdcoast.systems/clipscan/internal/db"
)

// PendingStaleAfter is how long a PENDING row may block a new start. A start
// that crashed between BeginScan and enqueue leaves such a row behind.
const PendingStaleAfter = time.Minute

// ErrScanAlreadyActive rejects a start while another run of the channel is in progress.
var ErrScanAlreadyActive = errors.New("scan already active")

var transitions = map[db.ScanState][]db.ScanState{
	db.ScanPending: {db.ScanQueued, db.ScanFailed, db.ScanCancelled},
	db.ScanQueued:  {db.ScanRunning, db.ScanFailed, db.ScanCancelled},
	db.ScanRunning: {db.ScanRunning, db.ScanQueued, db.ScanSucceeded, db.ScanFailed, db.ScanCancelled},
}

// CanTransition reports whether a row in from may move to to. Terminal rows
// only leave through a new run (PENDING) or a forced cancel.
func CanTransition(from, to db.ScanState) bool {
	if to == db.ScanCancelled {
		return true
	}
	if from.Terminal() {
		return to == db.ScanPending
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsActive reports whether status blocks a new start at now.
func IsActive(status *db.ScanStatus, now time.Time) bool {
	if status == nil {
		return false
	}
	switch status.Status {
	case db.ScanQueued, db.ScanRunning:
		return true
	case db.ScanPending:
		return now.Sub(status.UpdatedAt) < PendingStaleAfter
	}
	return false
}
