package driver

import (
	"errors"
	"fmt"
	"time"

	"github.com/mailrig/mailrig/views"
)

// ErrReadyTimeout reports a page-world handshake that never arrived within
// the configured ready timeout. The driver stays in the created state.
var ErrReadyTimeout = errors.New("driver: page world handshake timed out")

// Pipeline stages, used to narrow where a PipelineError happened.
const (
	StageHandshake = "handshake"
	StageAnchor    = "anchor"
	StageStream    = "stream"
	StageProbe     = "probe"
	StageRecapture = "recapture"
)

// PipelineError is one failure surfaced by the pipeline instead of being
// silently dropped. Kind is zero for errors not scoped to a view kind.
type PipelineError struct {
	Stage string
	Kind  views.Kind
	Err   error
}

func (e PipelineError) Error() string {
	if e.Kind != 0 {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e PipelineError) Unwrap() error { return e.Err }

// ProbeError reports a readiness probe that timed out, with the structural
// snapshot captured at failure time.
type ProbeError struct {
	Kind     views.Kind
	Err      error
	Snapshot StructSnapshot
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s view readiness probe: %v", e.Kind, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// StructSnapshot is a cheap structural description of the document at a
// point in time: total element count, how many elements match the selector
// under diagnosis, and a content hash so repeated captures can tell
// "unchanged" from "changed but still broken".
type StructSnapshot struct {
	At       time.Time `json:"at"`
	Total    int       `json:"total_elements"`
	Selector string    `json:"selector,omitempty"`
	Matches  int       `json:"matches"`
	Hash     string    `json:"hash"`
}

// View event actions.
const (
	ActionArrived = "arrived"
	ActionReady   = "ready"
	ActionGone    = "gone"
)

// ViewEvent is one entry of the driver's advisory view feed: a view
// arrived, settled ready, or went away. The feed is best-effort; slow
// consumers lose events rather than stall the pipeline.
type ViewEvent struct {
	Action string     `json:"action"`
	Kind   views.Kind `json:"-"`
	ViewID string     `json:"view_id"`
	At     time.Time  `json:"at"`
}
