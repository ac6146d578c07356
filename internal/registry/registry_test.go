package registry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeDescriptor(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_ValidDescriptors(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "climate.yaml", `
id: climate
name: Climate Control
unit: luigi-climate.service
path: iot/climate
sensors:
  - id: temperature
    name: Temperature
    unit: "°C"
    device_class: temperature
`)
	writeDescriptor(t, dir, "ha-mqtt.yml", `
id: ha_mqtt
unit: luigi-ha-mqtt.service
`)

	r, err := Load(dir, discard())
	if err != nil {
		t.Fatal(err)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 modules, got %d", r.Len())
	}

	mod, ok := r.Get("climate")
	if !ok {
		t.Fatal("climate module missing")
	}
	if mod.Unit != "luigi-climate.service" || len(mod.Sensors) != 1 {
		t.Errorf("unexpected module: %+v", mod)
	}

	// Name defaults to the ID when omitted.
	mod, _ = r.Get("ha_mqtt")
	if mod.Name != "ha_mqtt" {
		t.Errorf("Name = %q, want id fallback", mod.Name)
	}
}

func TestLoad_SkipsBadDescriptors(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "good.yaml", "id: good\nunit: good.service\n")
	writeDescriptor(t, dir, "noid.yaml", "unit: orphan.service\n")
	writeDescriptor(t, dir, "nounit.yaml", "id: nounit\n")
	writeDescriptor(t, dir, "badid.yaml", "id: 'evil; rm -rf /'\nunit: evil.service\n")
	writeDescriptor(t, dir, "badpath.yaml", "id: sneaky\nunit: sneaky.service\npath: ../../etc\n")
	writeDescriptor(t, dir, "garbage.yaml", "{{{not yaml")
	writeDescriptor(t, dir, "notes.txt", "ignored entirely")

	r, err := Load(dir, discard())
	if err != nil {
		t.Fatal(err)
	}
	if r.Len() != 1 {
		t.Fatalf("only the valid descriptor should load, got %d", r.Len())
	}
	if _, ok := r.Get("good"); !ok {
		t.Error("valid descriptor should be present")
	}
}

func TestLoad_DuplicateKeepsFirst(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "a.yaml", "id: dup\nname: First\nunit: first.service\n")
	writeDescriptor(t, dir, "b.yaml", "id: dup\nname: Second\nunit: second.service\n")

	r, err := Load(dir, discard())
	if err != nil {
		t.Fatal(err)
	}
	if r.Len() != 1 {
		t.Fatalf("duplicates should collapse, got %d", r.Len())
	}
	mod, _ := r.Get("dup")
	if mod.Unit != "first.service" {
		t.Errorf("expected the first descriptor to win, got %+v", mod)
	}
}

func TestLoad_MissingDirIsEmpty(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "does-not-exist"), discard())
	if err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Errorf("missing directory should yield an empty registry, got %d", r.Len())
	}
}

func TestList_SortedByID(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "z.yaml", "id: zeta\nunit: z.service\n")
	writeDescriptor(t, dir, "a.yaml", "id: alpha\nunit: a.service\n")
	writeDescriptor(t, dir, "m.yaml", "id: mid\nunit: m.service\n")

	r, err := Load(dir, discard())
	if err != nil {
		t.Fatal(err)
	}
	list := r.List()
	if len(list) != 3 || list[0].ID != "alpha" || list[1].ID != "mid" || list[2].ID != "zeta" {
		t.Errorf("List not sorted: %+v", list)
	}
}
