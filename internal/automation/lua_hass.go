//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const (
	maxHandlersPerScript = 100
	serviceCallTimeout   = 10 * time.Second
)

// registerHassModule installs the `hass` global table.
func registerHassModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"on_state": func(L *lua.LState) int { return hassOnState(L, vm) },
		"call_service": func(L *lua.LState) int {
			return hassCallService(L, vm, e)
		},
		"get_state": func(L *lua.LState) int { return hassGetState(L, e) },
		"after":     func(L *lua.LState) int { return hassAfter(L, vm, e) },
		"log":       func(L *lua.LState) int { return hassLog(L, vm, e) },
	})
	L.SetGlobal("hass", mod)
}

// hass.on_state(entity_id, fn). entity_id "*" matches every entity.
func hassOnState(L *lua.LState, vm *scriptVM) int {
	entityID := L.CheckString(1)
	fn := L.CheckFunction(2)

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, stateHandler{entityID: entityID, fn: fn})
	return 0
}

// hass.call_service(domain, service, entity_id [, data]) -> ok, err
//
// The call is blocking so the script sees the handler's result.
func hassCallService(L *lua.LState, vm *scriptVM, e *Engine) int {
	domain := L.CheckString(1)
	service := L.CheckString(2)
	data := map[string]any{}
	if tbl, ok := L.Get(4).(*lua.LTable); ok {
		if m, ok := luaToGo(tbl).(map[string]any); ok {
			data = m
		}
	}
	if target := L.Get(3); target != lua.LNil {
		data["entity_id"] = luaToGo(target)
	}

	ctx, cancel := context.WithTimeout(vm.ctx, serviceCallTimeout)
	defer cancel()
	if err := e.hub.Services().Call(ctx, domain, service, data, true); err != nil {
		e.logger.Warn("script service call failed", "domain", domain, "service", service, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// hass.get_state(entity_id) -> state, attributes (nil when unknown)
func hassGetState(L *lua.LState, e *Engine) int {
	st := e.hub.States().Get(L.CheckString(1))
	if st == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(st.State))
	L.Push(goToLua(L, st.Attributes))
	return 2
}

// hass.after(seconds, fn) runs fn on the script's VM once the delay passes.
func hassAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)
	if vm.oneShot {
		L.RaiseError("hass.after is not available in one-shot runs")
		return 0
	}

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
			e.logger.Warn("after: command queue full")
		}
	}()
	return 0
}

// hass.log(msg)
func hassLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	vm.capture(msg)
	e.logger.Info("script log", "msg", msg)
	return 0
}

func (vm *scriptVM) capture(line string) {
	if vm.logs == nil {
		return
	}
	vm.mu.Lock()
	*vm.logs = append(*vm.logs, line)
	vm.mu.Unlock()
}
