package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/qqbridge-project/qqbridge/internal/events"
)

const (
	stopTimeout  = 30 * time.Second
	drainTimeout = 2 * time.Second
	maxLineSize  = 64 * 1024
	eventBacklog = 256
)

var (
	// ErrNotRunning is returned by console operations while no process runs.
	ErrNotRunning = errors.New("game server is not running")
	// ErrAlreadyRunning is returned by Start on a running manager.
	ErrAlreadyRunning = errors.New("game server is already running")
	// ErrMultilineCommand is returned by Execute for a command containing a
	// line break, which the console would run as several commands.
	ErrMultilineCommand = errors.New("console command must be a single line")
)

// ProcessConfig holds configuration for launching the game server.
type ProcessConfig struct {
	Executable string
	Args       []string
	WorkDir    string
	EnvVars    map[string]string
}

// ProcessManager runs the game server with its console attached. Output
// lines are parsed into events and emitted on the bus in order; commands
// are written to the server's stdin.
type ProcessManager struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	proc   *process.Process
	pid    int
	logger zerolog.Logger

	running   bool
	startedAt time.Time
	exitCode  int
	exitErr   error
	done      chan struct{}
	dropped   atomic.Int64

	executable string
	args       []string
	workDir    string
	envVars    map[string]string

	state   *GameState
	bus     *events.EventBus
	console io.Writer
}

// NewProcessManager creates a manager for the configured game server.
func NewProcessManager(cfg ProcessConfig, bus *events.EventBus) *ProcessManager {
	return &ProcessManager{
		executable: cfg.Executable,
		args:       cfg.Args,
		workDir:    cfg.WorkDir,
		envVars:    cfg.EnvVars,
		exitCode:   -1,
		state:      NewGameState(),
		bus:        bus,
		logger:     log.With().Str("component", "process").Logger(),
	}
}

// SetConsoleOutput echoes every game server output line to w. Call before
// Start.
func (pm *ProcessManager) SetConsoleOutput(w io.Writer) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.console = w
}

// Start launches the game server process.
func (pm *ProcessManager) Start(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return fmt.Errorf("%w (pid: %d)", ErrAlreadyRunning, pm.pid)
	}

	pm.logger.Info().
		Str("executable", pm.executable).
		Strs("args", pm.args).
		Str("workdir", pm.workDir).
		Msg("starting game server process")

	// Not CommandContext: the server must outlive the caller's context.
	cmd := exec.Command(pm.executable, pm.args...)
	cmd.Dir = pm.workDir
	if len(pm.envVars) > 0 {
		cmd.Env = mergeEnv(os.Environ(), pm.envVars)
	}
	setPlatformProcessAttrs(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	// stdout and stderr share one pipe so lines keep their order.
	out, w, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("failed to open output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		stdin.Close()
		out.Close()
		w.Close()
		return fmt.Errorf("failed to start process: %w", err)
	}
	w.Close()

	pm.cmd = cmd
	pm.stdin = stdin
	pm.pid = cmd.Process.Pid
	pm.running = true
	pm.startedAt = time.Now()
	pm.exitCode = -1
	pm.exitErr = nil
	pm.proc = nil
	pm.done = make(chan struct{})
	pm.state.Reset()
	pm.state.SetStatus(StatusStarting)

	pm.logger.Info().Int("pid", pm.pid).Msg("game server process started")

	queue := make(chan events.Event, eventBacklog)
	readerDone := make(chan struct{})
	go pm.readConsole(out, pm.console, queue, readerDone)
	go pm.dispatch(queue, pm.done)
	go pm.monitor(cmd, out, readerDone, queue)

	return nil
}

// readConsole parses output lines until the pipe closes.
func (pm *ProcessManager) readConsole(out *os.File, echo io.Writer, queue chan<- events.Event, readerDone chan struct{}) {
	defer close(readerDone)
	defer out.Close()

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 4096), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if echo != nil {
			fmt.Fprintln(echo, line)
		}
		if ev, ok := pm.handleLine(line); ok {
			pm.enqueue(queue, ev)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		pm.logger.Debug().Err(err).Msg("console reader stopped")
	}
}

// enqueue hands ev to the dispatcher without blocking the reader. A stalled
// console pipe would freeze the server's own output, so when the backlog is
// full the event is dropped.
func (pm *ProcessManager) enqueue(queue chan<- events.Event, ev events.Event) {
	select {
	case queue <- ev:
	default:
		n := pm.dropped.Add(1)
		pm.logger.Warn().
			Str("event", string(ev.Type)).
			Int64("dropped", n).
			Msg("event backlog full, dropping console event")
	}
}

// DroppedEvents returns how many console events were dropped because the
// event handlers fell behind.
func (pm *ProcessManager) DroppedEvents() int64 {
	return pm.dropped.Load()
}

// handleLine updates the roster and turns a line into an event.
func (pm *ProcessManager) handleLine(line string) (events.Event, bool) {
	parsed := ParseConsoleLine(line)
	switch parsed.Kind {
	case LineChat:
		pm.logger.Debug().Str("player", parsed.Player).Str("message", parsed.Content).Msg("player chat")
		return events.Event{
			Type:    events.EventPlayerChat,
			Source:  "console",
			Payload: events.PlayerChatPayload{Player: parsed.Player, Message: parsed.Content},
		}, true
	case LineJoined:
		if !pm.state.AddPlayer(parsed.Player) {
			return events.Event{}, false
		}
		pm.logger.Info().Str("player", parsed.Player).Msg("player joined")
		return events.Event{
			Type:    events.EventPlayerJoined,
			Source:  "console",
			Payload: events.PlayerPayload{Player: parsed.Player},
		}, true
	case LineLeft:
		if !pm.state.RemovePlayer(parsed.Player) {
			return events.Event{}, false
		}
		pm.logger.Info().Str("player", parsed.Player).Msg("player left")
		return events.Event{
			Type:    events.EventPlayerLeft,
			Source:  "console",
			Payload: events.PlayerPayload{Player: parsed.Player},
		}, true
	case LineReady:
		if pm.state.SetStatus(StatusReady) == StatusReady {
			return events.Event{}, false
		}
		proc := pm.attachSampler()
		// Percent(0) is relative to the previous call on the same value, so
		// bus subscribers get their own sampler rather than Sampler()'s.
		var own *process.Process
		if proc != nil {
			own = openSampler(proc.Pid)
		}
		pm.logger.Info().Int("pid", pm.PID()).Msg("game server is ready")
		return events.Event{
			Type:    events.EventServerStartup,
			Source:  "console",
			Payload: events.ServerStartupPayload{PID: pidOf(proc), Process: own},
		}, true
	}
	return events.Event{}, false
}

// attachSampler opens the server process for resource sampling and primes
// its CPU counter.
func (pm *ProcessManager) attachSampler() *process.Process {
	pm.mu.Lock()
	pid := pm.pid
	pm.mu.Unlock()

	leaf, err := resolveServerProcess(int32(pid))
	if err != nil {
		pm.logger.Warn().Err(err).Int("pid", pid).Msg("failed to open game server process for sampling")
		return nil
	}
	proc := openSampler(leaf.Pid)
	if proc == nil {
		return nil
	}

	pm.mu.Lock()
	pm.proc = proc
	pm.mu.Unlock()
	return proc
}

// resolveServerProcess returns the newest leaf of the process tree rooted
// at pid, so a launcher script resolves to the server it started.
func resolveServerProcess(pid int32) (*process.Process, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	for depth := 0; depth < 8; depth++ {
		children, err := proc.Children()
		if err != nil || len(children) == 0 {
			break
		}
		proc = children[len(children)-1]
	}
	return proc, nil
}

// openSampler returns a process handle with its CPU counter primed, or nil
// if pid cannot be opened.
func openSampler(pid int32) *process.Process {
	proc, err := process.NewProcess(pid)
	if err != nil {
		log.Debug().Err(err).Int32("pid", pid).Msg("failed to open process for sampling")
		return nil
	}
	if _, err := proc.Percent(0); err != nil {
		log.Debug().Err(err).Int32("pid", pid).Msg("failed to prime cpu sampler")
	}
	return proc
}

func pidOf(p *process.Process) int32 {
	if p == nil {
		return 0
	}
	return p.Pid
}

// dispatch emits queued events one at a time so hooks see them in console
// order.
func (pm *ProcessManager) dispatch(queue <-chan events.Event, done chan struct{}) {
	defer close(done)
	for ev := range queue {
		if pm.bus == nil {
			continue
		}
		if err := pm.bus.EmitSync(context.Background(), ev); err != nil {
			pm.logger.Debug().Err(err).Str("event", string(ev.Type)).Msg("event handler failed")
		}
	}
}

// monitor waits for the process to exit, then reports the stop after the
// remaining output has been handled.
func (pm *ProcessManager) monitor(cmd *exec.Cmd, out *os.File, readerDone <-chan struct{}, queue chan<- events.Event) {
	err := cmd.Wait()

	select {
	case <-readerDone:
	case <-time.After(drainTimeout):
		// a grandchild still holds the pipe open
		out.Close()
		<-readerDone
	}

	pm.mu.Lock()
	pm.running = false
	pm.exitErr = err
	if cmd.ProcessState != nil {
		pm.exitCode = cmd.ProcessState.ExitCode()
	}
	pid := pm.pid
	exitCode := pm.exitCode
	pm.stdin = nil
	pm.proc = nil
	pm.mu.Unlock()

	pm.state.Reset()
	pm.logger.Info().
		Int("pid", pid).
		Int("exit_code", exitCode).
		Msg("game server process exited")

	queue <- events.Event{
		Type:    events.EventServerStop,
		Source:  "process",
		Payload: events.ServerStopPayload{PID: int32(pid), ExitCode: exitCode},
	}
	close(queue)
}

// Stop asks the server to shut down through its console and force kills
// it if it has not exited within the stop timeout.
func (pm *ProcessManager) Stop() error {
	pm.mu.Lock()
	if !pm.running {
		pm.mu.Unlock()
		return nil
	}
	done := pm.done
	pid := pm.pid
	pm.mu.Unlock()

	pm.state.SetStatus(StatusStopping)
	pm.logger.Info().Int("pid", pid).Msg("stopping game server process")

	if err := pm.Execute("stop"); err != nil {
		pm.logger.Warn().Err(err).Msg("graceful shutdown failed, force killing")
		return pm.Kill()
	}

	select {
	case <-done:
		pm.logger.Info().Msg("process stopped gracefully")
		return nil
	case <-time.After(stopTimeout):
		pm.logger.Warn().Dur("timeout", stopTimeout).Msg("process didn't stop in time, force killing")
		return pm.Kill()
	}
}

// Kill immediately terminates the game server process.
func (pm *ProcessManager) Kill() error {
	pm.mu.Lock()
	if !pm.running || pm.cmd == nil || pm.cmd.Process == nil {
		pm.mu.Unlock()
		return nil
	}
	cmd := pm.cmd
	done := pm.done
	pm.mu.Unlock()

	pm.logger.Warn().Int("pid", cmd.Process.Pid).Msg("force killing game server process")
	if err := terminateProcessPlatform(cmd.Process); err != nil {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	<-done
	return nil
}

// Done returns a channel closed once the current process has exited and
// its stop event has been delivered. Nil before the first Start.
func (pm *ProcessManager) Done() <-chan struct{} {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.done
}

// Execute writes one command line to the server console.
func (pm *ProcessManager) Execute(command string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.running || pm.stdin == nil {
		return ErrNotRunning
	}
	command = strings.TrimRight(command, "\r\n")
	if strings.ContainsAny(command, "\r\n") {
		return ErrMultilineCommand
	}
	if _, err := io.WriteString(pm.stdin, command+"\n"); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	pm.logger.Debug().Str("command", command).Msg("console command sent")
	return nil
}

// Broadcast shows message to every online player.
func (pm *ProcessManager) Broadcast(message string) error {
	return pm.tellraw("@a", message)
}

// Tell shows message to one player.
func (pm *ProcessManager) Tell(player, message string) error {
	return pm.tellraw(player, message)
}

func (pm *ProcessManager) tellraw(target, message string) error {
	var component bytes.Buffer
	enc := json.NewEncoder(&component)
	// keep < > & readable in the console
	enc.SetEscapeHTML(false)
	if err := enc.Encode(struct {
		Text string `json:"text"`
	}{Text: message}); err != nil {
		return err
	}
	return pm.Execute("tellraw " + target + " " + strings.TrimRight(component.String(), "\n"))
}

// OnlinePlayers returns the names of the players currently online.
func (pm *ProcessManager) OnlinePlayers() []string {
	return pm.state.PlayerNames()
}

// Sampler returns the process used for resource sampling, or nil until the
// server has reported it is ready.
func (pm *ProcessManager) Sampler() *process.Process {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.proc
}

// State returns a snapshot of the server status and roster.
func (pm *ProcessManager) State() GameStateSnapshot {
	return pm.state.Snapshot()
}

// IsRunning returns whether the process is currently running.
func (pm *ProcessManager) IsRunning() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

// PID returns the process ID.
func (pm *ProcessManager) PID() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.pid
}

// Uptime returns how long the process has been running.
func (pm *ProcessManager) Uptime() time.Duration {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.running {
		return 0
	}
	return time.Since(pm.startedAt)
}

// ExitCode returns the exit code of the process (-1 if still running).
func (pm *ProcessManager) ExitCode() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.exitCode
}

// mergeEnv overrides base with vars, matching keys case-insensitively.
func mergeEnv(base []string, vars map[string]string) []string {
	overrideKeys := make(map[string]bool, len(vars))
	for k := range vars {
		overrideKeys[strings.ToUpper(k)] = true
	}
	env := make([]string, 0, len(base)+len(vars))
	for _, e := range base {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) == 2 && overrideKeys[strings.ToUpper(parts[0])] {
			continue
		}
		env = append(env, e)
	}
	for k, v := range vars {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
