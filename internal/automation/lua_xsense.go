//go:build !no_automation

package automation

import (
	"context"
	"time"

	"xsense-go-home/internal/cloud"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerXSenseModule installs the `xsense` global.
func registerXSenseModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"on":            func(L *lua.LState) int { return xsenseOn(L, vm) },
		"trigger":       func(L *lua.LState) int { return xsenseTrigger(L, vm, e) },
		"sensor_report": func(L *lua.LState) int { return xsenseSensorReport(L, vm, e) },
		"value":         func(L *lua.LState) int { return xsenseValue(L, e) },
		"stations":      func(L *lua.LState) int { return xsenseStations(L, e) },
		"after":         func(L *lua.LState) int { return xsenseAfter(L, vm, e) },
		"log":           func(L *lua.LState) int { return xsenseLog(L, vm, e) },
	})
	L.SetGlobal("xsense", mod)
}

// xsense.on(event, [filter], fn). The filter table may set station, device
// and alarm; "*" subscribes to every event type.
func xsenseOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	switch arg := L.Get(2).(type) {
	case *lua.LFunction:
		h.fn = arg
	case *lua.LTable:
		h.station = optString(arg, "station")
		h.device = optString(arg, "device")
		h.alarm = optString(arg, "alarm")
		h.fn = L.CheckFunction(3)
	default:
		L.ArgError(2, "filter table or function expected")
		return 0
	}
	if err := vm.addHandler(h); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

func optString(t *lua.LTable, key string) string {
	if v := t.RawGetString(key); v != lua.LNil {
		return v.String()
	}
	return ""
}

// xsense.trigger(sn, action) returns ok, err.
func xsenseTrigger(L *lua.LState, vm *scriptVM, e *Engine) int {
	sn := L.CheckString(1)
	action := L.CheckString(2)

	ctx, cancel := context.WithTimeout(vm.ctx, callTimeout)
	defer cancel()
	if _, err := e.gw.TriggerAction(ctx, sn, action); err != nil {
		e.logger.Warn("script action failed", "id", vm.id, "station", sn, "action", action, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(cloud.Message(err)))
		return 2
	}
	e.logger.Info("script action", "id", vm.id, "station", sn, "action", action)
	L.Push(lua.LTrue)
	return 1
}

// xsense.sensor_report(sn) returns ok, err.
func xsenseSensorReport(L *lua.LState, vm *scriptVM, e *Engine) int {
	sn := L.CheckString(1)

	ctx, cancel := context.WithTimeout(vm.ctx, callTimeout)
	defer cancel()
	if err := e.gw.RequestSensorReport(ctx, sn); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(cloud.Message(err)))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// xsense.value(sn, key) returns the projected value or nil. Device values
// use "device_<serial>/<key>".
func xsenseValue(L *lua.LState, e *Engine) int {
	v, ok := e.gw.StationValue(L.CheckString(1), L.CheckString(2))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, v.Value))
	return 1
}

func xsenseStations(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, st := range e.gw.Stations() {
		s := L.NewTable()
		s.RawSetString("serial", lua.LString(st.Serial))
		s.RawSetString("house", lua.LString(st.HouseID))
		s.RawSetString("name", lua.LString(st.Name))
		s.RawSetString("type", lua.LString(st.Type))
		s.RawSetString("online", lua.LBool(st.Online))
		s.RawSetString("enabled", lua.LBool(st.Enabled))
		s.RawSetString("devices", lua.LNumber(st.Devices))
		s.RawSetString("actions", goToLua(L, st.Actions))
		tbl.RawSetInt(i+1, s)
	}
	L.Push(tbl)
	return 1
}

// xsense.after(seconds, fn) runs fn later on the script's VM.
func xsenseAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "id", vm.id, "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command queue full", "id", vm.id)
		}
	}()
	return 0
}

func xsenseLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	vm.capture(msg)
	e.logger.Info("script log", "id", vm.id, "msg", msg)
	return 0
}
