package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/platinummonkey/anvil/pkg/document"
)

// LuaEngine compiles scripts once into function prototypes and runs every
// invocation on a fresh LState, so concurrent requests never share
// interpreter state. The deprecated implicit-this convention is not
// supported: scripts must define Run(ctx) and work through its argument.
type LuaEngine struct{}

// NewLuaEngine returns the embedded scripting engine.
func NewLuaEngine() *LuaEngine { return &LuaEngine{} }

// Compile parses and compiles a script to a prototype shareable across
// LStates.
func (e *LuaEngine) Compile(source, name string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compiling %s: %w", name, err)
	}
	return proto, nil
}

// Invoke runs the compiled script against the context. The ctx deadline
// aborts the VM between instructions. A script-level cancel() surfaces
// through ec, not through the returned error.
func (e *LuaEngine) Invoke(ctx context.Context, proto *lua.FunctionProto, ec *Context) error {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	openSandboxLibs(L)
	L.SetContext(ctx)

	// Execute the chunk; it defines Run (and whatever helpers it wants).
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return scriptRunError(ctx, ec, err)
	}

	run := L.GetGlobal("Run")
	if run.Type() != lua.LTFunction {
		return fmt.Errorf("script must define Run(ctx)")
	}

	ctxTable := buildContextTable(L, ec)
	if err := L.CallByParam(lua.P{Fn: run, NRet: 0, Protect: true}, ctxTable); err != nil {
		return scriptRunError(ctx, ec, err)
	}

	readBackData(L, ctxTable, ec)
	return nil
}

// scriptRunError separates flow control from real failures: a raised
// cancel() is already recorded on ec, and a deadline expiry belongs to the
// timeout classification.
func scriptRunError(ctx context.Context, ec *Context, err error) error {
	if _, _, canceled := ec.Canceled(); canceled {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// openSandboxLibs loads the safe standard libraries. No io, no os: scripts
// reach the outside world only through the context API.
func openSandboxLibs(L *lua.LState) {
	for _, l := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(l.fn))
		L.Push(lua.LString(l.name))
		L.Call(1, 0)
	}
}

// buildContextTable renders the Context API as the lua table passed to Run.
func buildContextTable(L *lua.LState, ec *Context) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "data", goToLua(L, map[string]interface{}(ec.Data)))
	L.SetField(t, "query", goToLua(L, ec.Query))
	if ec.Me != nil {
		L.SetField(t, "me", goToLua(L, map[string]interface{}(ec.Me)))
	} else {
		L.SetField(t, "me", lua.LNil)
	}
	L.SetField(t, "isRoot", lua.LBool(ec.IsRoot))
	L.SetField(t, "method", lua.LString(ec.Method))
	L.SetField(t, "url", lua.LString(ec.URL))
	parts := L.NewTable()
	for _, p := range ec.Parts {
		parts.Append(lua.LString(p))
	}
	L.SetField(t, "parts", parts)

	L.SetField(t, "error", L.NewFunction(func(L *lua.LState) int {
		ec.Error(L.CheckString(1), L.CheckString(2))
		return 0
	}))
	L.SetField(t, "hide", L.NewFunction(func(L *lua.LState) int {
		ec.Hide(L.CheckString(1))
		return 0
	}))
	L.SetField(t, "protect", L.NewFunction(func(L *lua.LState) int {
		ec.Protect(L.CheckString(1))
		return 0
	}))
	L.SetField(t, "cancel", L.NewFunction(func(L *lua.LState) int {
		msg := L.OptString(1, "request canceled")
		status := L.OptInt(2, 400)
		ec.Cancel(msg, status)
		L.RaiseError("cancel")
		return 0
	}))
	L.SetField(t, "emit", L.NewFunction(func(L *lua.LState) int {
		event := L.CheckString(1)
		data := luaToGo(L.Get(2))
		room := L.OptString(3, "")
		ec.Emit(event, data, room)
		return 0
	}))
	L.SetField(t, "log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		var kv map[string]interface{}
		if tbl, ok := L.Get(2).(*lua.LTable); ok {
			if m, ok := luaToGo(tbl).(map[string]interface{}); ok {
				kv = m
			}
		}
		ec.Log(msg, kv)
		return 0
	}))
	L.SetField(t, "setResult", L.NewFunction(func(L *lua.LState) int {
		ec.SetResult(luaToGo(L.Get(1)))
		return 0
	}))
	L.SetField(t, "setResponseData", L.NewFunction(func(L *lua.LState) int {
		ec.SetResponseData(luaToGo(L.Get(1)))
		return 0
	}))
	L.SetField(t, "setStatusCode", L.NewFunction(func(L *lua.LState) int {
		ec.SetStatusCode(L.CheckInt(1))
		return 0
	}))
	L.SetField(t, "setHeader", L.NewFunction(func(L *lua.LState) int {
		ec.SetHeader(L.CheckString(1), L.CheckString(2))
		return 0
	}))
	L.SetField(t, "getHeader", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(ec.GetHeader(L.CheckString(1))))
		return 1
	}))
	L.SetField(t, "internal", buildInternalTable(L, ec))
	return t
}

// buildInternalTable exposes the in-process client. Each call returns
// (result, nil) or (nil, "message") in the usual lua error convention.
func buildInternalTable(L *lua.LState, ec *Context) lua.LValue {
	if ec.Internal == nil {
		return lua.LNil
	}
	t := L.NewTable()
	push := func(L *lua.LState, v interface{}, err error) int {
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(goToLua(L, v))
		L.Push(lua.LNil)
		return 2
	}
	L.SetField(t, "get", L.NewFunction(func(L *lua.LState) int {
		doc, err := ec.Internal.Get(ec.RequestContext(), L.CheckString(1), L.CheckString(2))
		return push(L, map[string]interface{}(doc), err)
	}))
	L.SetField(t, "find", L.NewFunction(func(L *lua.LState) int {
		var filter map[string]interface{}
		if tbl, ok := L.Get(2).(*lua.LTable); ok {
			filter, _ = luaToGo(tbl).(map[string]interface{})
		}
		docs, err := ec.Internal.Find(ec.RequestContext(), L.CheckString(1), filter)
		if err != nil {
			return push(L, nil, err)
		}
		out := make([]interface{}, len(docs))
		for i, d := range docs {
			out[i] = map[string]interface{}(d)
		}
		return push(L, out, nil)
	}))
	L.SetField(t, "post", L.NewFunction(func(L *lua.LState) int {
		doc, _ := luaToGo(L.CheckTable(2)).(map[string]interface{})
		created, err := ec.Internal.Post(ec.RequestContext(), L.CheckString(1), document.Document(doc))
		return push(L, map[string]interface{}(created), err)
	}))
	L.SetField(t, "put", L.NewFunction(func(L *lua.LState) int {
		patch, _ := luaToGo(L.CheckTable(3)).(map[string]interface{})
		updated, err := ec.Internal.Put(ec.RequestContext(), L.CheckString(1), L.CheckString(2), document.Document(patch))
		return push(L, map[string]interface{}(updated), err)
	}))
	L.SetField(t, "delete", L.NewFunction(func(L *lua.LState) int {
		err := ec.Internal.Delete(ec.RequestContext(), L.CheckString(1), L.CheckString(2))
		return push(L, nil, err)
	}))
	return t
}

// readBackData copies the possibly-mutated data table back onto the
// context document.
func readBackData(L *lua.LState, ctxTable *lua.LTable, ec *Context) {
	dataVal := L.GetField(ctxTable, "data")
	tbl, ok := dataVal.(*lua.LTable)
	if !ok {
		return
	}
	if m, ok := luaToGo(tbl).(map[string]interface{}); ok {
		ec.Data = document.Document(m)
	}
}

// goToLua converts the JSON runtime shapes (plus time.Time, rendered as an
// RFC 3339 string) into lua values.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case string:
		return lua.LString(t)
	case time.Time:
		return lua.LString(t.UTC().Format(time.RFC3339Nano))
	case []interface{}:
		tbl := L.NewTable()
		for _, e := range t {
			tbl.Append(goToLua(L, e))
		}
		return tbl
	case map[string]interface{}:
		tbl := L.NewTable()
		for k, e := range t {
			L.SetField(tbl, k, goToLua(L, e))
		}
		return tbl
	case document.Document:
		return goToLua(L, map[string]interface{}(t))
	default:
		if n, ok := document.AsNumber(v); ok {
			return lua.LNumber(n)
		}
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// luaToGo converts lua values back to the JSON runtime shapes. Tables with
// only positive integer keys become arrays, everything else becomes a map
// with stringified keys.
func luaToGo(v lua.LValue) interface{} {
	switch t := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(t)
	case lua.LNumber:
		return float64(t)
	case lua.LString:
		return string(t)
	case *lua.LTable:
		maxn := t.MaxN()
		if maxn > 0 {
			isArray := true
			count := 0
			t.ForEach(func(k, _ lua.LValue) {
				count++
				if n, ok := k.(lua.LNumber); !ok || float64(n) != float64(int(n)) || int(n) < 1 {
					isArray = false
				}
			})
			if isArray && count == maxn {
				arr := make([]interface{}, 0, maxn)
				for i := 1; i <= maxn; i++ {
					arr = append(arr, luaToGo(t.RawGetInt(i)))
				}
				return arr
			}
		}
		m := make(map[string]interface{})
		t.ForEach(func(k, val lua.LValue) {
			m[lua.LVAsString(k)] = luaToGo(val)
		})
		return m
	default:
		return nil
	}
}
