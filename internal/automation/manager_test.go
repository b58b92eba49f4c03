//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Mute On Smoke", Description: "silence the base", Enabled: true},
		LuaCode: `xsense.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "mute_on_smoke" {
		t.Errorf("id = %q, want mute_on_smoke", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if strings.TrimSpace(got.LuaCode) != `xsense.log("hello")` {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	s := &Script{ID: "my_script", Meta: ScriptMeta{Name: "Mine", Enabled: true}, LuaCode: `xsense.log("v1")`}
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}
	s.LuaCode = `xsense.log("v2")`
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("my_script")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, `"v2"`) {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}
}

func TestManagerListSorted(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"Gamma", "Alpha", "Beta"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}
	// Non-script files and broken headers are skipped.
	os.WriteFile(filepath.Join(m.Dir(), "notes.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(m.Dir(), "broken.lua"), []byte("-- {not json\n"), 0o644)

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range scripts {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "alpha,beta,gamma" {
		t.Errorf("ids = %v", ids)
	}
}

func TestManagerPlainFile(t *testing.T) {
	m := newTestManager(t)
	code := "xsense.on(\"alarm\", function(ev) end)\n"
	if err := os.WriteFile(filepath.Join(m.Dir(), "plain.lua"), []byte(code), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := m.Get("plain")
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "plain" || !s.Meta.Enabled {
		t.Errorf("meta = %+v", s.Meta)
	}
	if s.LuaCode != code {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)
	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "ToDelete"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("get after delete: %v", err)
	}
	if err := m.Delete(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestManagerInvalidID(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"", "..", "../etc/passwd", `a\b`} {
		if _, err := m.Get(id); !errors.Is(err, ErrScriptNotFound) {
			t.Errorf("Get(%q) err = %v", id, err)
		}
	}
	if _, err := m.Save(&Script{ID: "../x"}); err == nil {
		t.Error("saved a script outside the directory")
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)
	s1, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID != "dup" || s2.ID != "dup_1" {
		t.Errorf("ids = %q, %q", s1.ID, s2.ID)
	}
}

func TestSerializeScript(t *testing.T) {
	content := serializeScript(&Script{
		Meta:    ScriptMeta{Name: "Test", Enabled: true},
		LuaCode: `xsense.log("hi")`,
	})
	want := "-- {\"name\":\"Test\",\"enabled\":true}\n\nxsense.log(\"hi\")\n"
	if content != want {
		t.Errorf("content = %q, want %q", content, want)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Mute On Smoke", "mute_on_smoke"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
		{strings.Repeat("ab ", 20), "ab_ab_ab_ab_ab_ab_ab_ab_ab_ab_ab_ab_ab_a"},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
