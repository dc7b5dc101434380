//go:build !no_automation

package automation

import (
	"log/slog"
	"os"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Saturday 2024-03-16 22:30:05 local time.
var fixedNow = time.Date(2024, time.March, 16, 22, 30, 5, 0, time.Local)

func newTestEngine() *Engine {
	return &Engine{
		logger: testLogger(),
		now:    func() time.Time { return fixedNow },
		vms:    make(map[string]*scriptVM),
	}
}

func evalSystem(t *testing.T, expr string) lua.LValue {
	t.Helper()
	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, newTestEngine())
	if err := L.DoString("_result = " + expr); err != nil {
		t.Fatalf("%s: %v", expr, err)
	}
	return L.GetGlobal("_result")
}

func TestSystemDatetime(t *testing.T) {
	tests := []struct {
		component string
		want      lua.LValue
	}{
		{"hour", lua.LNumber(22)},
		{"minute", lua.LNumber(30)},
		{"second", lua.LNumber(5)},
		{"weekday", lua.LNumber(time.Saturday)},
		{"day", lua.LNumber(16)},
		{"month", lua.LNumber(3)},
		{"year", lua.LNumber(2024)},
		{"timestamp", lua.LNumber(fixedNow.Unix())},
		{"time_str", lua.LString("22:30:05")},
		{"date_str", lua.LString("2024-03-16")},
	}
	for _, tt := range tests {
		t.Run(tt.component, func(t *testing.T) {
			got := evalSystem(t, `system.datetime("`+tt.component+`")`)
			if got != tt.want {
				t.Errorf("datetime(%q) = %v, want %v", tt.component, got, tt.want)
			}
		})
	}
}

func TestSystemDatetimeUnknownComponent(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	registerSystemModule(L, newTestEngine())
	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("expected error for unknown component")
	}
}

func TestSystemTimeBetween(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{`system.time_between(22, 23)`, true},
		{`system.time_between(8, 22)`, false},
		{`system.time_between(21, 6)`, true},
		{`system.time_between(23, 6)`, false},
		{`system.time_between("22:30", "22:31")`, true},
		{`system.time_between("22:31", "07:00")`, false},
		{`system.time_between("06:30", "22:30")`, false},
		{`system.time_between(0, 24)`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			if got := evalSystem(t, tt.expr); got != lua.LBool(tt.want) {
				t.Errorf("%s = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestSystemTimeBetweenBadArgs(t *testing.T) {
	for _, code := range []string{
		`system.time_between("25:00", 6)`,
		`system.time_between(22, "late")`,
		`system.time_between(-1, 6)`,
		`system.time_between({}, 6)`,
	} {
		L := lua.NewState()
		registerSystemModule(L, newTestEngine())
		if err := L.DoString(code); err == nil {
			t.Errorf("%s: expected error", code)
		}
		L.Close()
	}
}

func TestSystemIsWeekend(t *testing.T) {
	if got := evalSystem(t, `system.is_weekend()`); got != lua.LTrue {
		t.Errorf("is_weekend() on a Saturday = %v", got)
	}
}

func TestInWindow(t *testing.T) {
	tests := []struct {
		m, from, to int
		want        bool
	}{
		{480, 480, 1320, true},
		{1320, 480, 1320, false},
		{30, 1320, 360, true},
		{720, 1320, 360, false},
		{600, 600, 600, false},
	}
	for _, tt := range tests {
		if got := inWindow(tt.m, tt.from, tt.to); got != tt.want {
			t.Errorf("inWindow(%d, %d, %d) = %v, want %v", tt.m, tt.from, tt.to, got, tt.want)
		}
	}
}
