//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"

	"lvp-hub/internal/lvp"
)

// registerLVPModule registers the `lvp` global table in a Lua state.
func registerLVPModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return lvpOn(L, vm)
	}))
	mod.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		return lvpGet(L, e)
	}))
	mod.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		return lvpSet(L, e)
	}))
	mod.RawSetString("exec", L.NewFunction(func(L *lua.LState) int {
		return lvpExec(L, e)
	}))
	mod.RawSetString("call", L.NewFunction(func(L *lua.LState) int {
		return lvpCall(L, e)
	}))
	mod.RawSetString("declare", L.NewFunction(func(L *lua.LState) int {
		return lvpDeclare(L, e)
	}))
	mod.RawSetString("links", L.NewFunction(func(L *lua.LState) int {
		return lvpLinks(L, e)
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return lvpAfter(L, vm, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return lvpLog(L, e)
	}))

	L.SetGlobal("lvp", mod)
}

const maxHandlersPerScript = 100

// lvp.on(type, filter, callback) — filter is a table, {link="A"} or {}
func lvpOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{eventType: eventType, fn: fn}
	if v := filterTable.RawGetString("link"); v != lua.LNil {
		h.link = v.String()
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

// lvp.get(id, name) — returns the coerced value or nil
func lvpGet(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	name := L.CheckString(2)

	results, err := e.pool.Get(id, e.opTimeout, name)
	if err != nil {
		e.logger.Warn("lua get failed", "link", id, "err", err)
		L.Push(lua.LNil)
		return 1
	}
	v, ok := results[id]
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, v))
	return 1
}

// lvp.set(id, name, value) — returns true on success
func lvpSet(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	name := L.CheckString(2)
	value := luaToGo(L.CheckAny(3))

	results, err := e.pool.Set(id, []lvp.Assignment{{Name: name, Value: value}}, e.opTimeout)
	if err != nil {
		e.logger.Warn("lua set failed", "link", id, "err", err)
		L.Push(lua.LFalse)
		return 1
	}
	_, ok := results[id]
	L.Push(lua.LBool(ok))
	return 1
}

// lvp.exec(id, cmd) — returns the response text or nil
func lvpExec(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	cmd := L.CheckString(2)

	results, err := e.pool.Exec(id, cmd, e.opTimeout)
	if err != nil {
		e.logger.Warn("lua exec failed", "link", id, "err", err)
		L.Push(lua.LNil)
		return 1
	}
	out, ok := results[id]
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, out))
	return 1
}

// lvp.call(id, name, args, quiet) — args is an array table
func lvpCall(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	name := L.CheckString(2)

	var args []any
	if L.GetTop() >= 3 {
		if tbl, ok := L.Get(3).(*lua.LTable); ok {
			tbl.ForEach(func(_, v lua.LValue) {
				args = append(args, luaToGo(v))
			})
		}
	}
	quiet := false
	if L.GetTop() >= 4 {
		quiet = lua.LVAsBool(L.Get(4))
	}

	results, err := e.pool.Call(id, name, args, quiet, e.opTimeout)
	if err != nil {
		e.logger.Warn("lua call failed", "link", id, "fn", name, "err", err)
		L.Push(lua.LNil)
		return 1
	}
	out, ok := results[id]
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, out))
	return 1
}

// lvp.declare(spec) — returns true when the spec was accepted
func lvpDeclare(L *lua.LState, e *Engine) int {
	spec := L.CheckString(1)
	if _, err := e.pool.Declare(spec); err != nil {
		e.logger.Warn("lua declare failed", "spec", spec, "err", err)
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

// lvp.links() — returns an array of {id=, device=, state=}
func lvpLinks(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, l := range e.pool.Links() {
		entry := L.NewTable()
		entry.RawSetString("id", lua.LString(l.ID()))
		entry.RawSetString("device", lua.LString(l.Device()))
		entry.RawSetString("state", lua.LString(l.State().String()))
		tbl.RawSetInt(i+1, entry)
	}
	L.Push(tbl)
	return 1
}

// lvp.after(seconds, callback) — delayed execution on the script VM
func lvpAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
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

// lvp.log(msg)
func lvpLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}
