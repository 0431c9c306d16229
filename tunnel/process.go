package tunnel

import (
	"bufio"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yllada/vpnd/common"
)

// process is a supervised child whose combined output is logged line by
// line. exited is closed once the child has been reaped.
type process struct {
	name   string
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

func startProcess(path string, onLine func(string), args ...string) (*process, error) {
	cmd := exec.Command(path, args...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	p := &process{
		name:   filepath.Base(path),
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	if err := cmd.Start(); err != nil {
		return nil, common.WrapIn("tunnel", err, "failed to start "+p.name)
	}
	common.LogDebug("Tunnel: %s started with PID %d", p.name, cmd.Process.Pid)

	go func() {
		scanner := bufio.NewScanner(out)
		for scanner.Scan() {
			line := scanner.Text()
			common.LogDebug("%s: %s", p.name, line)
			if onLine != nil {
				onLine(line)
			}
		}
		p.err = cmd.Wait()
		if p.err != nil {
			common.LogDebug("Tunnel: %s exited: %v", p.name, p.err)
		}
		close(p.exited)
	}()
	return p, nil
}

func (p *process) terminate() {
	_ = p.cmd.Process.Signal(unix.SIGTERM)
}

func (p *process) kill() {
	_ = p.cmd.Process.Kill()
}

// stop terminates the process and kills it if it outlives grace.
func (p *process) stop(grace time.Duration) {
	p.terminate()
	select {
	case <-p.exited:
	case <-time.After(grace):
		p.kill()
		<-p.exited
	}
}
