// Package monitor reconciles gateway instance connectivity: it reacts only to
// edges, holds a grace period before acting on a disconnect, attempts one
// automatic restart and replays the retry queue on recovery.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/memohai/wabridge/internal/gateway"
	"github.com/memohai/wabridge/internal/retryqueue"
)

var (
	ErrRestartInProgress = errors.New("monitor: restart already in progress")
	ErrUnknownState      = errors.New("monitor: unknown connection state")
)

// State is the reconciler state of one instance.
type State string

const (
	StateUnknown          State = "UNKNOWN"
	StateConnected        State = "CONNECTED"
	StateDisconnected     State = "DISCONNECTED"
	StateGracePending     State = "GRACE_PENDING"
	StateRestartAttempted State = "RESTART_ATTEMPTED"
)

// Cause tags why an instance is considered down.
type Cause string

const (
	CauseNone           Cause = ""
	CauseInstanceClosed Cause = "instance_closed"
	CauseAPIUnreachable Cause = "api_unreachable"
)

// Observation is one connectivity sample.
type Observation struct {
	Instance   string    `json:"instance"`
	Connected  bool      `json:"connected"`
	RawState   string    `json:"raw_state,omitempty"`
	Cause      Cause     `json:"cause,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Status is the reconciler view of one instance.
type Status struct {
	Instance          string    `json:"instance"`
	State             State     `json:"state"`
	Connected         bool      `json:"connected"`
	Cause             Cause     `json:"cause,omitempty"`
	NeedsManual       bool      `json:"needs_manual"`
	NeedsPairing      bool      `json:"needs_pairing"`
	LastObservedAt    time.Time `json:"last_observed_at"`
	DisconnectedSince time.Time `json:"disconnected_since,omitempty"`
	LastRestartAt     time.Time `json:"last_restart_at,omitempty"`
}

// Gateway is the part of the gateway client the monitor drives.
type Gateway interface {
	CheckConnection(ctx context.Context, instance string) (gateway.ConnectionState, error)
	Restart(ctx context.Context, instance string) (gateway.RestartResult, error)
}

// InstanceLister enumerates configured instances.
type InstanceLister interface {
	ListInstances(ctx context.Context) ([]string, error)
}

// QueueView is the read side of the retry queue used by the sweep.
type QueueView interface {
	Instances(ctx context.Context) ([]string, error)
	ListReady(ctx context.Context, instance string) ([]retryqueue.Entry, error)
}

// ReplayFunc drains the ready retry entries of an instance.
type ReplayFunc func(ctx context.Context, instance string)

// Options tunes the monitor.
type Options struct {
	GracePeriod   time.Duration
	CheckTimeout  time.Duration
	RestartSettle time.Duration
	SweepSpec     string
	// SweepConcurrency bounds parallel live checks during a sweep.
	SweepConcurrency int
}

func (o Options) normalized() Options {
	if o.GracePeriod <= 0 {
		o.GracePeriod = 60 * time.Second
	}
	if o.CheckTimeout <= 0 {
		o.CheckTimeout = 10 * time.Second
	}
	if o.RestartSettle <= 0 {
		o.RestartSettle = 15 * time.Second
	}
	if o.SweepConcurrency <= 0 {
		o.SweepConcurrency = 8
	}
	return o
}

// EventConnected maps a gateway state string to connectivity. ok is false for
// transitional or unknown states, which are ignored.
func EventConnected(state string) (connected bool, ok bool) {
	switch state {
	case gateway.StateOpen:
		return true, true
	case gateway.StateClose, gateway.StateRefused, gateway.StateLogout:
		return false, true
	default:
		return false, false
	}
}
