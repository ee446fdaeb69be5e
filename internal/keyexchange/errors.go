package keyexchange

import (
	"errors"
	"fmt"
)

// Kinds of SoftFailure, matched with errors.Is.
var (
	ErrCrypto   = errors.New("keyexchange: crypto failure")
	ErrRegistry = errors.New("keyexchange: registry failure")
)

// Step names one stage of the handshake.
type Step int

const (
	StepKeyGeneration Step = iota
	StepPublish
	StepFetchPeers
	StepDerive
)

// String returns the string representation of Step
func (s Step) String() string {
	switch s {
	case StepKeyGeneration:
		return "key-generation"
	case StepPublish:
		return "publish"
	case StepFetchPeers:
		return "fetch-peers"
	case StepDerive:
		return "derive"
	default:
		return "unknown"
	}
}

// SoftFailure records a handshake step that failed and was degraded around
// instead of aborting. Err wraps ErrCrypto or ErrRegistry.
type SoftFailure struct {
	Step   Step
	PeerID string
	Err    error
}

func (f *SoftFailure) Error() string {
	if f.PeerID != "" {
		return fmt.Sprintf("%s (peer %s): %v", f.Step, f.PeerID, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Step, f.Err)
}

func (f *SoftFailure) Unwrap() error { return f.Err }
