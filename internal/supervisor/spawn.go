package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"

	"lightfx/internal/logger"
)

// EnvRunID carries a per-spawn correlation id into the effect process.
const EnvRunID = "LIGHTFX_RUN_ID"

// ExecSpawner starts effects as "<Executable> run <id> <options>" in a new
// process group, with output appended to LogFile.
type ExecSpawner struct {
	// Executable defaults to the running binary.
	Executable string
	// Args builds the argument list; nil means run <id> <options>.
	Args    func(effectID, options string) []string
	LogFile string
	Env     []string
}

func (s *ExecSpawner) Spawn(_ context.Context, effectID, options string) (int, error) {
	exe := s.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return 0, fmt.Errorf("locate executable: %w", err)
		}
	}

	args := []string{"run", effectID, options}
	if s.Args != nil {
		args = s.Args(effectID, options)
	}

	out, err := os.OpenFile(s.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open effect log: %w", err)
	}
	defer out.Close()

	runID := uuid.NewString()

	// Not CommandContext: the effect must outlive the request that started it.
	cmd := exec.Command(exe, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(append(os.Environ(), s.Env...), EnvRunID+"="+runID)
	cmd.SysProcAttr = detached()

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid

	// Reap the child if this process lives long enough to see it exit.
	go func() { _ = cmd.Wait() }()

	log := logger.Component("supervisor")
	log.Debug().
		Str("effect", effectID).
		Int("pid", pid).
		Str("run_id", runID).
		Msg("spawned effect process")
	return pid, nil
}
