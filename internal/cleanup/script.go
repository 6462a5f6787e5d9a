package cleanup

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	schema "gitlab.diskarte.net/engineering/redis-mirror"
)

const scriptFunc = "select"

// script is a compiled Lua predicate. The script must define
// select(key, type, ttl_ms) returning a boolean; ttl_ms is -1 for
// persistent keys and -2 for keys already gone. Not safe for concurrent use.
type script struct {
	state *lua.LState
	fn    lua.LValue
}

func compileScript(src string) (*script, error) {
	L := lua.NewState()
	if err := L.DoString(src); err != nil {
		L.Close()
		return nil, fmt.Errorf("load cleanup script: %w", err)
	}
	fn := L.GetGlobal(scriptFunc)
	if fn.Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("cleanup script must define function %s(key, type, ttl_ms)", scriptFunc)
	}
	return &script{state: L, fn: fn}, nil
}

func (s *script) selects(h schema.Handle) (bool, error) {
	err := s.state.CallByParam(lua.P{Fn: s.fn, NRet: 1, Protect: true},
		lua.LString(h.Key), lua.LString(h.Type.String()), lua.LNumber(h.TTL.Millis()))
	if err != nil {
		return false, err
	}
	ret := s.state.Get(-1)
	s.state.Pop(1)
	return lua.LVAsBool(ret), nil
}

func (s *script) close() {
	s.state.Close()
}
