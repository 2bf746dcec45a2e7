package station

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Effect is a side effect a world_interactable script requested, the way
// script_engine.go's ScriptEffect carries an AckMessage back to the
// caller.
type Effect struct {
	AckMessage string                 `json:"ackMessage,omitempty"`
	PropSets   map[string]interface{} `json:"propSets,omitempty"`
}

// ScriptHost runs world_interactable station scripts through a pooled
// *lua.LState: register a small set of Go functions as Lua
// globals, hand the script a `ctx` table of parameters, execute the file.
type ScriptHost struct {
	baseDir string
	pool    sync.Pool
}

// NewScriptHost constructs a host rooted at baseDir (the directory
// containing station scripts).
func NewScriptHost(baseDir string) *ScriptHost {
	return &ScriptHost{
		baseDir: baseDir,
		pool: sync.Pool{
			New: func() any {
				return lua.NewState(lua.Options{SkipOpenLibs: false})
			},
		},
	}
}

// Execute runs scriptPath with params exposed as the global `ctx` table
// and returns the effects the script requested.
func (h *ScriptHost) Execute(scriptPath string, params map[string]any) ([]Effect, error) {
	L := h.pool.Get().(*lua.LState)
	defer h.pool.Put(L)

	var effects []Effect

	L.SetGlobal("effect_ack", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		effects = append(effects, Effect{AckMessage: msg})
		return 0
	}))

	L.SetGlobal("set_prop", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		val := L.CheckAny(2)
		effects = append(effects, Effect{PropSets: map[string]interface{}{key: luaToGo(val)}})
		return 0
	}))

	ctxTbl := L.NewTable()
	for k, v := range params {
		L.SetField(ctxTbl, k, goToLua(L, v))
	}
	L.SetGlobal("ctx", ctxTbl)

	abs := filepath.Join(h.baseDir, scriptPath)
	if _, err := os.Stat(abs); err != nil {
		return effects, fmt.Errorf("station: script not found: %s: %w", scriptPath, err)
	}
	if err := L.DoFile(abs); err != nil {
		return effects, fmt.Errorf("station: script %s failed: %w", scriptPath, err)
	}
	return effects, nil
}

func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	default:
		return v.String()
	}
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(val)
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case map[string]interface{}:
		tbl := L.NewTable()
		for k, vv := range val {
			tbl.RawSetString(k, goToLua(L, vv))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
