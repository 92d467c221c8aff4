package supervisor

import (
	"errors"
	"fmt"

	"github.com/nerrad567/llbot-cli/internal/portalloc"
	"github.com/nerrad567/llbot-cli/internal/process"
)

// Exit codes returned by the launcher.
//
//   - 0: success or clean signal-driven shutdown
//   - 1-9: general errors (configuration, usage)
//   - 10-19: supervision failures, one per stage
//
// When the backend exits on its own after becoming ready, its own exit code
// is passed through instead.
const (
	ExitOK      = 0
	ExitGeneral = 1
	ExitUsage   = 2

	ExitNoPort             = 10
	ExitSpawnFailed        = 11
	ExitBackendExitedEarly = 12
	ExitPortRace           = 13
	ExitSubcommandFailed   = 14
)

// Sentinel errors. Use errors.Is to test for them through StageError.
var (
	ErrNoPortAvailable    = portalloc.ErrNoPortAvailable
	ErrPortRace           = portalloc.ErrPortRace
	ErrSpawnFailed        = process.ErrSpawnFailed
	ErrTerminateTimeout   = process.ErrTerminateTimeout
	ErrBackendExitedEarly = errors.New("supervisor: backend exited before becoming ready")
	ErrSubcommandFailed   = errors.New("supervisor: sub-command failed")
)

// Stage names the step of a launch that failed.
type Stage string

const (
	StagePortAllocation Stage = "port allocation"
	StageBackendSpawn   Stage = "backend spawn"
	StageBackendStartup Stage = "backend startup"
	StageSubcommand     Stage = "sub-command"
)

// StageError is a fatal launch error tagged with the stage it happened in and
// the exit code the launcher should return for it.
type StageError struct {
	Stage Stage
	Code  int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, code int, err error) *StageError {
	return &StageError{Stage: stage, Code: code, Err: err}
}

// ExitCode extracts the exit code from err. Errors without a stage map to
// ExitGeneral; nil maps to ExitOK.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ExitGeneral
}
