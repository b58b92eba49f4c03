//go:build no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"

	"xsense-go-home/internal/gateway"
	"xsense-go-home/internal/inventory"
	"xsense-go-home/internal/tree"
)

var ErrScriptNotFound = errors.New("script not found")

type Gateway interface {
	Events() *inventory.EventBus
	Stations() []gateway.StationInfo
	StationValue(sn, key string) (tree.Value, bool)
	TriggerAction(ctx context.Context, sn, action string) (map[string]any, error)
	RequestSensorReport(ctx context.Context, sn string) error
}

type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Manager is a no-op when automation is compiled out.
type Manager struct{}

func NewManager(string, *slog.Logger) (*Manager, error) { return nil, nil }

func (m *Manager) Dir() string { return "" }
func (m *Manager) List() ([]*Script, error) { return nil, nil }
func (m *Manager) Get(string) (*Script, error) { return nil, ErrScriptNotFound }
func (m *Manager) Save(s *Script) (*Script, error) { return s, nil }
func (m *Manager) Delete(string) error { return nil }

// Engine is a no-op when automation is compiled out.
type Engine struct{}

func NewEngine(Gateway, *Manager, *slog.Logger) *Engine { return &Engine{} }

func (e *Engine) Start() {}
func (e *Engine) Stop() {}
func (e *Engine) Running() int { return 0 }
func (e *Engine) ReloadScript(string) error { return nil }
func (e *Engine) StopScript(string) {}

func (e *Engine) RunScript(string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled", Logs: []string{}}
}

func (e *Engine) RunLuaCode(string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled", Logs: []string{}}
}
