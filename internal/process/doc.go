// Package process spawns child processes and tracks them until they are gone.
//
// It is used for the PMHQ backend and for the optional sub-command that runs
// once the backend is ready. Each child is started in its own process group
// so that Terminate reaches everything the child itself forked.
//
// Features:
//   - stdout and stderr exposed as independent line channels, closed at EOF
//   - idempotent Terminate: SIGTERM to the group, bounded wait, then SIGKILL
//   - Wait with context cancellation
//   - exit status with shell-style codes for signal deaths
//
// Example usage:
//
//	h, err := process.Spawn(ctx, process.LaunchSpec{
//	    Name:   "pmhq",
//	    Binary: "bin/pmhq/pmhq",
//	    Args:   []string{"--port", "13000"},
//	})
//	if err != nil {
//	    return err
//	}
//	defer h.Terminate(5 * time.Second)
//
//	for line := range h.Stdout() {
//	    fmt.Println(line)
//	}
package process
