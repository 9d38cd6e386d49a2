// Package health runs periodic watchdog checks over the bridge: disk space
// of the server directory, a game server stuck while starting, and bot
// links that stay down.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qqbridge-project/qqbridge/internal/config"
	"github.com/qqbridge-project/qqbridge/internal/events"
	"github.com/qqbridge-project/qqbridge/internal/server"
	"github.com/qqbridge-project/qqbridge/internal/util"
)

// Alert levels, in increasing severity.
const (
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// Check names.
const (
	CheckDisk    = "disk"
	CheckStartup = "startup"
	CheckLink    = "link"
)

// Alert is the outcome of one check. An empty Level means healthy.
// Subject distinguishes alerts of one check, such as the link name.
type Alert struct {
	Check   string
	Subject string
	Level   string
	Message string
}

func (a Alert) key() string {
	if a.Subject == "" {
		return a.Check
	}
	return a.Check + ":" + a.Subject
}

// GameStatus is the view of the game server the checks need.
// *server.ProcessManager satisfies it.
type GameStatus interface {
	State() server.GameStateSnapshot
	IsRunning() bool
}

// Link reports whether one side of the bot connection is up.
type Link interface {
	Connected() bool
}

// Manager runs the watchdog checks and raises an alert on the bus each
// time a check changes level.
type Manager struct {
	cfg      config.HealthConfig
	workDir  string
	eventBus *events.EventBus
	game     GameStatus

	mu        sync.Mutex
	links     map[string]Link
	downSince map[string]time.Time
	levels    map[string]string

	diskUsage func(path string) (*util.DiskUsage, error)
	now       func() time.Time
	logger    zerolog.Logger
}

// NewManager creates a watchdog. game may be nil.
func NewManager(cfg *config.Config, eventBus *events.EventBus, game GameStatus) *Manager {
	return &Manager{
		cfg:       cfg.GetApplicationData().Health,
		workDir:   cfg.GetServer().WorkDir,
		eventBus:  eventBus,
		game:      game,
		links:     make(map[string]Link),
		downSince: make(map[string]time.Time),
		levels:    make(map[string]string),
		diskUsage: util.GetDiskUsage,
		now:       time.Now,
		logger:    util.ComponentLogger("health"),
	}
}

// AddLink registers a bot link to watch under name.
func (m *Manager) AddLink(name string, l Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[name] = l
}

// Start runs the checks immediately and then every interval until ctx is
// cancelled.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval())
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.Interval()).Msg("health check manager started")
	m.RunChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health check manager stopped")
			return
		case <-ticker.C:
			m.RunChecks(ctx)
		}
	}
}

// RunChecks runs every check once and returns the alerts that changed
// level since the previous run.
func (m *Manager) RunChecks(ctx context.Context) []Alert {
	results := []Alert{m.checkDisk(), m.checkStartup()}
	results = append(results, m.checkLinks()...)

	var changed []Alert
	for _, a := range results {
		if m.transition(a) {
			changed = append(changed, a)
			m.raise(ctx, a)
		}
	}
	return changed
}

// transition records a's level and reports whether it differs from the
// last one seen for the same check.
func (m *Manager) transition(a Alert) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels[a.key()] == a.Level {
		return false
	}
	m.levels[a.key()] = a.Level
	return true
}

func (m *Manager) raise(ctx context.Context, a Alert) {
	if a.Level == "" {
		m.logger.Info().Str("check", a.key()).Msg("health check recovered")
	} else {
		m.logger.Warn().Str("check", a.key()).Str("level", a.Level).Msg(a.Message)
	}
	if m.eventBus == nil {
		return
	}
	m.eventBus.Emit(ctx, events.Event{
		Type:    events.EventHealthAlert,
		Source:  "health_check",
		Payload: events.HealthAlertPayload{Check: a.key(), Level: a.Level, Message: a.Message},
	})
}

// checkDisk alerts on the volume holding the server directory.
func (m *Manager) checkDisk() Alert {
	alert := Alert{Check: CheckDisk}
	path := m.workDir
	if path == "" {
		path = "."
	}
	usage, err := m.diskUsage(path)
	if err != nil {
		m.logger.Debug().Err(err).Str("path", path).Msg("disk utilization check failed")
		return alert
	}

	warn := m.cfg.DiskWarnPercent
	if warn <= 0 || warn > 100 {
		warn = 95
	}
	switch {
	case usage.UsedPercent >= 100:
		alert.Level = LevelCritical
	case usage.UsedPercent >= 95 && warn < 95:
		alert.Level = LevelError
	case usage.UsedPercent >= warn:
		alert.Level = LevelWarning
	default:
		return alert
	}
	alert.Message = fmt.Sprintf("Disk usage at %.1f%% (%d GB free of %d GB total)",
		usage.UsedPercent, usage.Free, usage.Total)
	return alert
}

// checkStartup alerts when the server has been starting for too long.
func (m *Manager) checkStartup() Alert {
	alert := Alert{Check: CheckStartup}
	if m.game == nil || !m.game.IsRunning() {
		return alert
	}
	state := m.game.State()
	if state.Status != server.StatusStarting {
		return alert
	}
	stuck := m.now().Sub(state.StatusChangedAt)
	if stuck <= m.cfg.StartupTimeout() {
		return alert
	}
	alert.Level = LevelWarning
	alert.Message = fmt.Sprintf("Game server has been starting for %s", stuck.Round(time.Second))
	return alert
}

// checkLinks reports every registered link. A link is unhealthy once it
// has stayed down past the alert threshold.
func (m *Manager) checkLinks() []Alert {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.links))
	for name := range m.links {
		names = append(names, name)
	}
	sort.Strings(names)

	alerts := make([]Alert, 0, len(names))
	for _, name := range names {
		alert := Alert{Check: CheckLink, Subject: name}
		if m.links[name].Connected() {
			delete(m.downSince, name)
			alerts = append(alerts, alert)
			continue
		}
		since, ok := m.downSince[name]
		if !ok {
			since = now
			m.downSince[name] = now
		}
		if down := now.Sub(since); down > m.cfg.LinkDownAlert() {
			alert.Level = LevelError
			alert.Message = fmt.Sprintf("Bot %s link down for %s", name, down.Round(time.Second))
		}
		alerts = append(alerts, alert)
	}
	return alerts
}
