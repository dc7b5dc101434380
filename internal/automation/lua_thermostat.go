//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"eq3-go-home/internal/thermostat"
)

const (
	maxHandlersPerScript = 100
	deviceCallTimeout    = time.Minute
)

// registerThermostatModule registers the `thermostat` global table in a Lua state.
func registerThermostatModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return thermostatOn(L, vm)
	}))
	mod.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		return thermostatGet(L, vm, e)
	}))
	mod.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		return thermostatSet(L, vm, e)
	}))
	mod.RawSetString("state", L.NewFunction(func(L *lua.LState) int {
		return thermostatState(L, vm, e)
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return thermostatAfter(L, vm, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return thermostatLog(L, e)
	}))

	L.SetGlobal("thermostat", mod)
}

// thermostat.on(type, [filter], callback)
func thermostatOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}

	if L.GetTop() >= 3 {
		filter := L.CheckTable(2)
		if v := filter.RawGetString("property"); v != lua.LNil {
			h.property = v.String()
		}
		h.fn = L.CheckFunction(3)
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

func (vm *scriptVM) deviceContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(vm.ctx, deviceCallTimeout)
}

// thermostat.get(property) returns the value, or nil and an error message.
func thermostatGet(L *lua.LState, vm *scriptVM, e *Engine) int {
	name := L.CheckString(1)
	prop, ok := e.acc.Property(name)
	if !ok {
		L.ArgError(1, "unknown property: "+name)
		return 0
	}

	ctx, cancel := vm.deviceContext()
	defer cancel()
	v, err := prop.Get(ctx)
	if err != nil {
		e.logger.Warn("script get failed", "property", name, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(goToLua(L, v))
	return 1
}

// thermostat.set(property, value) returns true, or false and an error message.
func thermostatSet(L *lua.LState, vm *scriptVM, e *Engine) int {
	name := L.CheckString(1)
	prop, ok := e.acc.Property(name)
	if !ok {
		L.ArgError(1, "unknown property: "+name)
		return 0
	}
	if prop.Set == nil {
		L.ArgError(1, "read-only property: "+name)
		return 0
	}

	value := luaToGo(L.CheckAny(2))
	ctx, cancel := vm.deviceContext()
	defer cancel()
	if err := prop.Set(ctx, value); err != nil {
		e.logger.Warn("script set failed", "property", name, "value", value, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// thermostat.state() returns a table with every property, read with one device fetch.
func thermostatState(L *lua.LState, vm *scriptVM, e *Engine) int {
	ctx, cancel := vm.deviceContext()
	defer cancel()
	view, err := e.acc.State(ctx)
	if err != nil {
		e.logger.Warn("script state failed", "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(goToLua(L, viewFields(view)))
	return 1
}

func viewFields(view thermostat.StateView) map[string]interface{} {
	return map[string]interface{}{
		"current_heating_state":  view.CurrentHeatingState.String(),
		"mode":                   view.Mode.String(),
		"target_temperature":     view.TargetTemperature,
		"current_temperature":    view.CurrentTemperature,
		"raw_target_temperature": view.RawTarget,
		"valve_position":         view.ValvePosition,
		"manual":                 view.Manual,
		"boost":                  view.Boost,
		"units":                  view.Units.String(),
	}
}

// thermostat.after(seconds, callback) runs callback later on the script's VM.
func thermostatAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// thermostat.log(msg)
func thermostatLog(L *lua.LState, e *Engine) int {
	e.logger.Info("script log", "msg", L.CheckString(1))
	return 0
}

// luaToGo converts a Lua argument to the plain Go value a property setter accepts.
func luaToGo(v lua.LValue) interface{} {
	switch val := v.(type) {
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case lua.LBool:
		return bool(val)
	case *lua.LNilType:
		return nil
	default:
		return fmt.Sprint(val)
	}
}
