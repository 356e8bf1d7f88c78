package manager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/Mmx233/dsserver/config"
	"github.com/rs/zerolog"
)

// LaunchSpec is one request to start a service instance.
type LaunchSpec struct {
	Service  string
	Port     int
	Instance string
	Command  config.ManagedService
}

// Process is a launched service. Done is closed when the process exits;
// Err reports the exit status after that.
type Process struct {
	PID  int
	Done <-chan struct{}
	err  error
	kill func() error
}

// Err returns the exit error. Valid only after Done is closed.
func (p *Process) Err() error {
	return p.err
}

// Kill stops a process that never became ready.
func (p *Process) Kill() error {
	if p.kill == nil {
		return nil
	}
	return p.kill()
}

// Launcher starts service processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (*Process, error)
}

// ExecLauncher runs the configured command as a child process. The child
// outlives the request that started it.
type ExecLauncher struct {
	Logger zerolog.Logger
}

func (l ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (*Process, error) {
	r := strings.NewReplacer(
		"{port}", strconv.Itoa(spec.Port),
		"{instance}", spec.Instance,
		"{service}", spec.Service,
	)
	args := make([]string, len(spec.Command.Args))
	for i, arg := range spec.Command.Args {
		args[i] = r.Replace(arg)
	}

	cmd := exec.Command(r.Replace(spec.Command.Command), args...)
	cmd.Env = append(os.Environ(), spec.Command.Env...)
	cmd.Env = append(cmd.Env, "DS_SERVICE_PORT="+strconv.Itoa(spec.Port), "DS_SERVICE_INSTANCE="+spec.Instance)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command.Command, err)
	}

	done := make(chan struct{})
	p := &Process{PID: cmd.Process.Pid, Done: done, kill: cmd.Process.Kill}
	// reap in the background so exited services do not linger as zombies
	go func() {
		p.err = cmd.Wait()
		close(done)
		l.Logger.Debug().
			Str("service", spec.Service).
			Int("pid", p.PID).
			AnErr("exit", p.err).
			Msg("service process exited")
	}()
	return p, nil
}
