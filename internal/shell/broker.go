package shell

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
)

// BrokerState is the outcome of probing the broker shell.
type BrokerState int

const (
	BrokerReady BrokerState = iota
	BrokerUnsupported
	BrokerNotRunning
	BrokerPermissionDenied
)

func (s BrokerState) String() string {
	switch s {
	case BrokerReady:
		return "ready"
	case BrokerUnsupported:
		return "unsupported"
	case BrokerNotRunning:
		return "not running"
	case BrokerPermissionDenied:
		return "permission denied"
	}
	return "unknown"
}

// Broker is a privileged shell reached through a helper service.
type Broker interface {
	Runner
	Probe(ctx context.Context) BrokerState
}

// RishBroker talks to Shizuku through its rish shell.
type RishBroker struct {
	*ExecRunner
}

func NewRishBroker() *RishBroker {
	return &RishBroker{ExecRunner: Rish()}
}

func (b *RishBroker) Probe(ctx context.Context) BrokerState {
	if !b.Available() {
		return BrokerUnsupported
	}
	res, err := b.Run(ctx, "id -u")
	if err != nil {
		return BrokerUnsupported
	}
	state := classifyBrokerOutput(res)
	log.WithField("state", state.String()).Debug("probed broker")
	return state
}

func classifyBrokerOutput(res Result) BrokerState {
	if res.Success() {
		return BrokerReady
	}
	out := strings.ToLower(res.Stdout + "\n" + res.Stderr)
	if strings.Contains(out, "permission") || strings.Contains(out, "not authorized") {
		return BrokerPermissionDenied
	}
	return BrokerNotRunning
}
