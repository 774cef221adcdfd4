//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zigbee-lock-hub/internal/core"
	"zigbee-lock-hub/internal/events"
)

// serviceRecorder registers lock.lock and lock.unlock and reports each call.
type serviceRecorder struct {
	calls chan core.ServiceCall
}

func newTestHub(t *testing.T) (*core.Hub, *serviceRecorder) {
	t.Helper()
	logger := newTestLogger()
	hub := core.NewHub(events.NewBus(logger), logger)
	rec := &serviceRecorder{calls: make(chan core.ServiceCall, 16)}
	for _, svc := range []string{"lock", "unlock"} {
		state := svc + "ed"
		hub.Services().Register("lock", svc, func(_ context.Context, call core.ServiceCall) error {
			rec.calls <- call
			for _, id := range call.EntityIDs() {
				if err := hub.States().Set(id, state, nil, call.Context); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return hub, rec
}

func (r *serviceRecorder) wait(t *testing.T) core.ServiceCall {
	t.Helper()
	select {
	case c := <-r.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for service call")
		return core.ServiceCall{}
	}
}

func (r *serviceRecorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case c := <-r.calls:
		t.Fatalf("unexpected service call %s.%s %v", c.Domain, c.Service, c.Data)
	case <-time.After(d):
	}
}

func newTestEngine(t *testing.T) (*Engine, *core.Hub, *serviceRecorder) {
	t.Helper()
	hub, rec := newTestHub(t)
	e := NewEngine(hub, newTestManager(t), newTestLogger(), SystemConfig{})
	t.Cleanup(e.Stop)
	return e, hub, rec
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "locked", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"float64", 90.5, lua.LTNumber},
		{"uint8", uint8(200), lua.LTNumber},
		{"map", map[string]any{"battery_level": 90.0}, lua.LTTable},
		{"slice", []any{"a", "b"}, lua.LTTable},
		{"other", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val).Type(); got != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got, tt.want)
			}
		})
	}

	tbl := goToLua(L, map[string]any{"battery_level": 90.0}).(*lua.LTable)
	if got := tbl.RawGetString("battery_level"); got != lua.LNumber(90) {
		t.Errorf("battery_level = %v", got)
	}
}

func TestLuaToGo(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	if err := L.DoString(`_v = {code = "1234", ids = {"lock.a", "lock.b"}, n = 3, ok = true}`); err != nil {
		t.Fatal(err)
	}
	got, ok := luaToGo(L.GetGlobal("_v")).(map[string]any)
	if !ok {
		t.Fatalf("luaToGo = %T, want map", luaToGo(L.GetGlobal("_v")))
	}
	if got["code"] != "1234" || got["n"] != 3.0 || got["ok"] != true {
		t.Errorf("got %v", got)
	}
	ids, ok := got["ids"].([]any)
	if !ok || len(ids) != 2 || ids[1] != "lock.b" {
		t.Errorf("ids = %v", got["ids"])
	}
	if luaToGo(lua.LNil) != nil {
		t.Error("nil did not map to nil")
	}
}

func TestMatchesHandler(t *testing.T) {
	tests := []struct {
		handler  string
		entityID string
		want     bool
	}{
		{"lock.front", "lock.front", true},
		{"lock.front", "lock.back", false},
		{"*", "lock.back", true},
	}
	for _, tt := range tests {
		h := stateHandler{entityID: tt.handler}
		if got := matchesHandler(h, core.StateChangedData{EntityID: tt.entityID}); got != tt.want {
			t.Errorf("matchesHandler(%q, %q) = %v, want %v", tt.handler, tt.entityID, got, tt.want)
		}
	}
}

func TestRunLuaCodeCallsService(t *testing.T) {
	e, hub, rec := newTestEngine(t)

	res := e.RunLuaCode(`
local ok, err = hass.call_service("lock", "lock", "lock.front_door")
hass.log(tostring(ok))
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	call := rec.wait(t)
	if call.Domain != "lock" || call.Service != "lock" || call.Data["entity_id"] != "lock.front_door" {
		t.Errorf("call = %+v", call)
	}
	if st := hub.States().Get("lock.front_door"); st == nil || st.State != "locked" {
		t.Errorf("state = %+v, want locked", st)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "true" {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestRunLuaCodeServiceData(t *testing.T) {
	e, _, rec := newTestEngine(t)

	res := e.RunLuaCode(`hass.call_service("lock", "unlock", nil, {entity_id = "lock.a", code = "1234"})`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	call := rec.wait(t)
	if call.Data["entity_id"] != "lock.a" || call.Data["code"] != "1234" {
		t.Errorf("data = %v", call.Data)
	}
}

func TestRunLuaCodeUnknownService(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res := e.RunLuaCode(`
local ok, err = hass.call_service("lock", "open", "lock.front_door")
hass.log(tostring(ok) .. " " .. err)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || !strings.HasPrefix(res.Logs[0], "false service not found") {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestRunLuaCodeInvokesHandlersWithCurrentState(t *testing.T) {
	e, hub, _ := newTestEngine(t)
	if err := hub.States().Set("lock.front_door", "unlocked", map[string]any{"battery_level": 80.0}, core.Context{}); err != nil {
		t.Fatal(err)
	}

	res := e.RunLuaCode(`
hass.on_state("lock.front_door", function(event)
  hass.log(event.entity_id .. "=" .. event.new_state .. " " .. event.attributes.battery_level)
end)
hass.on_state("lock.missing", function(event)
  hass.log(tostring(event.new_state))
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"lock.front_door=unlocked 80", "nil"}
	if strings.Join(res.Logs, "|") != strings.Join(want, "|") {
		t.Errorf("logs = %q, want %q", res.Logs, want)
	}
}

func TestRunLuaCodeGetState(t *testing.T) {
	e, hub, _ := newTestEngine(t)
	if err := hub.States().Set("lock.front_door", "locked", nil, core.Context{}); err != nil {
		t.Fatal(err)
	}
	res := e.RunLuaCode(`
hass.log(hass.get_state("lock.front_door"))
hass.log(tostring(hass.get_state("lock.nope")))
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if strings.Join(res.Logs, ",") != "locked,nil" {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestRunLuaCodeErrors(t *testing.T) {
	e, _, _ := newTestEngine(t)

	tests := map[string]string{
		"syntax":     `hass.log(`,
		"sandbox os": `os.exit(1)`,
		"sandbox io": `io.write("x")`,
		"handler":    `hass.on_state("*", function() error("boom") end)`,
		"bad args":   `hass.on_state(1)`,
	}
	for name, code := range tests {
		t.Run(name, func(t *testing.T) {
			res := e.RunLuaCode(code)
			if res.OK || res.Error == "" {
				t.Errorf("result = %+v, want failure", res)
			}
		})
	}
}

func TestRunLuaCodeRejectsAfter(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res := e.RunLuaCode(`hass.log("before"); hass.after(0.01, function() hass.log("later") end)`)
	if res.OK || !strings.Contains(res.Error, "one-shot") {
		t.Errorf("result = %+v, want one-shot error", res)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "before" {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestRunLuaCodeTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the run timeout")
	}
	e, _, _ := newTestEngine(t)
	res := e.RunLuaCode(`while true do end`)
	if res.OK || !strings.HasPrefix(res.Error, "timeout") {
		t.Errorf("result = %+v, want timeout", res)
	}
}

func TestRunScriptNotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if res := e.RunScript("nope"); res.OK || !strings.Contains(res.Error, "script not found") {
		t.Errorf("result = %+v", res)
	}
}

const relockScript = `
hass.on_state("lock.front_door", function(event)
  if event.new_state == "unlocked" then
    hass.call_service("lock", "lock", event.entity_id)
  end
end)
`

func TestEngineRunsEnabledScripts(t *testing.T) {
	e, hub, rec := newTestEngine(t)
	if _, err := e.manager.Save(&Script{Meta: ScriptMeta{Name: "Relock", Enabled: true}, LuaCode: relockScript}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.manager.Save(&Script{Meta: ScriptMeta{Name: "Off"}, LuaCode: `hass.on_state("*", function() hass.call_service("lock", "unlock", "lock.x") end)`}); err != nil {
		t.Fatal(err)
	}
	e.Start()

	if !e.Running("relock") || e.Running("off") {
		t.Fatalf("running: relock=%v off=%v", e.Running("relock"), e.Running("off"))
	}

	if err := hub.States().Set("lock.front_door", "unlocked", nil, core.Context{}); err != nil {
		t.Fatal(err)
	}
	call := rec.wait(t)
	if call.Service != "lock" || call.Data["entity_id"] != "lock.front_door" {
		t.Errorf("call = %+v", call)
	}
	// The relock produced "locked", which the script ignores.
	rec.none(t, 100*time.Millisecond)
}

func TestEngineReloadAndStop(t *testing.T) {
	e, hub, rec := newTestEngine(t)
	s, err := e.manager.Save(&Script{Meta: ScriptMeta{Name: "Relock"}, LuaCode: relockScript})
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	if e.Running(s.ID) {
		t.Fatal("disabled script is running")
	}

	s.Meta.Enabled = true
	if _, err := e.manager.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if !e.Running(s.ID) {
		t.Fatal("script not running after reload")
	}

	e.StopScript(s.ID)
	if e.Running(s.ID) {
		t.Fatal("script still running after stop")
	}
	if err := hub.States().Set("lock.front_door", "unlocked", nil, core.Context{}); err != nil {
		t.Fatal(err)
	}
	rec.none(t, 100*time.Millisecond)
}

func TestEngineReloadBadScript(t *testing.T) {
	e, _, _ := newTestEngine(t)
	s, err := e.manager.Save(&Script{Meta: ScriptMeta{Name: "Bad", Enabled: true}, LuaCode: `hass.log(`})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err == nil {
		t.Error("reload of broken script succeeded")
	}
	if e.Running(s.ID) {
		t.Error("broken script is running")
	}
}

func TestEngineAfter(t *testing.T) {
	e, _, rec := newTestEngine(t)
	if _, err := e.manager.Save(&Script{
		Meta:    ScriptMeta{Name: "Delayed", Enabled: true},
		LuaCode: `hass.after(0.01, function() hass.call_service("lock", "lock", "lock.back_door") end)`,
	}); err != nil {
		t.Fatal(err)
	}
	e.Start()

	call := rec.wait(t)
	if call.Data["entity_id"] != "lock.back_door" {
		t.Errorf("call = %+v", call)
	}
}

func TestEngineHandlerLimit(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res := e.RunLuaCode(`for i = 1, 101 do hass.on_state("lock.a", function() end) end`)
	if res.OK || !strings.Contains(res.Error, "too many handlers") {
		t.Errorf("result = %+v", res)
	}
}
