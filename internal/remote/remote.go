// Package remote implements the optional Remote Executor: wire messages
// for submitting a build action to a remote coordinator, content-addressed
// artifact transfer, and a completion tracker the caller blocks on
// (spec.md §4.13).
//
// The wire messages are plain Go structs carried over grpc.ClientConn /
// grpc.Server using a hand-registered JSON codec (jsonCodec, see codec.go)
// instead of protoc-generated protobuf types — see DESIGN.md for why no
// generated .pb.go file is produced for this exercise.
package remote

import (
	"time"

	"github.com/google/uuid"

	"github.com/weaveforge/weaveforge"
)

// SandboxSpec describes the isolated environment a remote action runs in
// (spec.md §4.13).
type SandboxSpec struct {
	Inputs        []string          `json:"inputs"`  // content-addressed blob digests
	Outputs       []string          `json:"outputs"` // expected output paths, relative to the sandbox root
	Env           map[string]string `json:"env"`
	CPULimit      float64           `json:"cpu_limit"`
	MemoryLimitMB int64             `json:"memory_limit_mb"`
	NetworkPolicy NetworkPolicy     `json:"network_policy"`
}

// NetworkPolicy constrains what network access a remote action gets.
type NetworkPolicy string

const (
	NetworkNone       NetworkPolicy = "none"
	NetworkLoopback   NetworkPolicy = "loopback"
	NetworkUnrestricted NetworkPolicy = "unrestricted"
)

// ActionRequest is what the Remote Executor sends to submit one action.
type ActionRequest struct {
	ActionID  string        `json:"action_id"`
	Target    weaveforge.TargetID `json:"target"`
	Kind      weaveforge.ActionKind `json:"kind"`
	Sandbox   SandboxSpec   `json:"sandbox"`
	Submitted time.Time     `json:"submitted"`
}

// ActionResult is what the coordinator reports back, either via
// on_action_complete or on_action_failed (spec.md §4.13).
type ActionResult struct {
	ActionID    string   `json:"action_id"`
	Success     bool     `json:"success"`
	OutputBlobs []string `json:"output_blobs"` // content-addressed digests, downloaded by the caller
	Error       string   `json:"error,omitempty"`
}

// NewActionID derives a stable id for one submission, distinct across
// repeated retries of the same logical action.
func NewActionID() string {
	return uuid.New().String()
}
