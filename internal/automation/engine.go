//go:build !no_automation

// Package automation runs sandboxed Lua scripts that react to gateway
// events and trigger station actions.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"xsense-go-home/internal/gateway"
	"xsense-go-home/internal/inventory"
	"xsense-go-home/internal/tree"

	lua "github.com/yuin/gopher-lua"
)

// Gateway is the part of the gateway scripts can reach.
type Gateway interface {
	Events() *inventory.EventBus
	Stations() []gateway.StationInfo
	StationValue(sn, key string) (tree.Value, bool)
	TriggerAction(ctx context.Context, sn, action string) (map[string]any, error)
	RequestSensorReport(ctx context.Context, sn string) error
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

const (
	runTimeout    = 5 * time.Second
	callTimeout   = 30 * time.Second
	commandBuffer = 64
)

type luaEventHandler struct {
	eventType string // "*" matches every type
	station   string
	device    string
	alarm     string
	fn        *lua.LFunction
}

// scriptVM is one script's Lua state. All Lua access goes through commands.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	handlers []luaEventHandler
	logs     *[]string // captured output for one-shot runs
}

func (vm *scriptVM) addHandler(h luaEventHandler) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		return fmt.Errorf("too many handlers (max %d)", maxHandlersPerScript)
	}
	vm.handlers = append(vm.handlers, h)
	return nil
}

func (vm *scriptVM) snapshotHandlers() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

func (vm *scriptVM) capture(msg string) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.logs != nil {
		*vm.logs = append(*vm.logs, msg)
	}
}

// Engine owns the running script VMs and feeds them gateway events.
type Engine struct {
	gw      Gateway
	manager *Manager
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an engine. Start loads the enabled scripts.
func NewEngine(gw Gateway, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		gw:      gw,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		now:     time.Now,
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to gateway events and starts every enabled script.
func (e *Engine) Start() {
	e.unsub = e.gw.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}
	e.logger.Info("automation engine started", "scripts", e.Running())
}

// Stop cancels every VM and unsubscribes from events.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()
	e.logger.Info("automation engine stopped")
}

// Running returns the number of live script VMs.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vms)
}

// ReloadScript restarts a script from disk. A disabled script stays stopped.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)
	s, err := e.manager.Get(id)
	if err != nil {
		return err
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript runs a saved script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: err.Error(), Logs: []string{}, Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode runs code once in a throwaway VM. Handlers registered with
// xsense.on are invoked with a synthetic event so their bodies execute.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := e.now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	logs := []string{}
	vm := e.newVM(ctx, cancel, "_inline")
	vm.logs = &logs
	defer vm.state.Close()

	result := func(err error) *RunResult {
		vm.mu.Lock()
		out := append([]string{}, logs...)
		vm.mu.Unlock()
		r := &RunResult{OK: err == nil, Logs: out, Duration: e.now().Sub(start).String()}
		if err != nil {
			r.Error = luaError(err)
		}
		return r
	}

	if err := vm.state.DoString(code); err != nil {
		return result(err)
	}
	for _, h := range vm.snapshotHandlers() {
		ev := inventory.Event{Type: h.eventType, Station: h.station, Device: h.device, Time: e.now()}
		if h.alarm != "" {
			ev.Data = map[string]any{"type": h.alarm}
		}
		if err := vm.state.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventTable(vm.state, ev)); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func luaError(err error) string {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "context deadline exceeded") {
		return fmt.Sprintf("timeout (%s)", runTimeout)
	}
	return msg
}

// newVM builds a sandboxed state with the xsense and system modules.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc, id string) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "loadstring", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)

	vm := &scriptVM{
		id:       id,
		state:    L,
		commands: make(chan func(*lua.LState), commandBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerXSenseModule(L, vm, e)
	registerSystemModule(L, vm, e)
	return vm
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel, s.ID)

	if err := vm.state.DoString(s.LuaCode); err != nil {
		cancel()
		vm.state.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer vm.state.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(vm.state)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues matching handlers on each VM. It never blocks, so a
// handler that triggers an action can safely produce further events.
func (e *Engine) dispatchEvent(ev inventory.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		for _, h := range vm.snapshotHandlers() {
			if !matchesHandler(h, ev) {
				continue
			}
			if vm.ctx.Err() != nil {
				break
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, vm, fn, ev) }:
			default:
				e.logger.Warn("script command queue full, dropping event", "id", vm.id, "type", ev.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, ev inventory.Event) bool {
	if h.eventType != "*" && h.eventType != ev.Type {
		return false
	}
	if h.station != "" && h.station != ev.Station {
		return false
	}
	if h.device != "" && h.device != ev.Device {
		return false
	}
	if h.alarm != "" {
		if t, _ := ev.Data["type"].(string); t != h.alarm {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, vm *scriptVM, fn *lua.LFunction, ev inventory.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "id", vm.id, "err", r)
		}
	}()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, ev)); err != nil {
		e.logger.Error("lua handler error", "id", vm.id, "type", ev.Type, "err", err)
	}
}

// eventTable converts ev to {type, station, device, time, data}.
func eventTable(L *lua.LState, ev inventory.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(ev.Type))
	if ev.Station != "" {
		t.RawSetString("station", lua.LString(ev.Station))
	}
	if ev.Device != "" {
		t.RawSetString("device", lua.LString(ev.Device))
	}
	if !ev.Time.IsZero() {
		t.RawSetString("time", lua.LNumber(ev.Time.Unix()))
	}
	data := L.NewTable()
	for k, v := range ev.Data {
		data.RawSetString(k, goToLua(L, v))
	}
	t.RawSetString("data", data)
	return t
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case time.Time:
		return lua.LString(val.UTC().Format(time.RFC3339))
	case []string:
		t := L.NewTable()
		for i, s := range val {
			t.RawSetInt(i+1, lua.LString(s))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
