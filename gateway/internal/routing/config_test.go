package routing

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ashen-realm/shared/config"
	"ashen-realm/shared/events"
)

func baseConfig() config.Config {
	return config.Config{
		QueueMessages:  "ashen_messages",
		QueueInvasions: "ashen_invasions",
		QueueEvents:    "ashen_events",
	}
}

func writeRoutes(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.json")
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write routes file: %v", err)
	}
	return path
}

func TestDefaultsRouteToQueues(t *testing.T) {
	r := Defaults(baseConfig())
	route, ok := r.Resolve(events.KindInvasion)
	if !ok || route.Topic() || route.Destination() != "ashen_invasions" {
		t.Fatalf("unexpected route: %#v (ok=%v)", route, ok)
	}
	if _, ok := r.Resolve(events.KindAutoInvasion); ok {
		t.Fatalf("expected auto invasions to have no gateway route")
	}
}

func TestLoadOverlaysRoutes(t *testing.T) {
	path := writeRoutes(t, `{
  "routes": [
    {"kind": "bonfire_lit", "routing_key": "events.bonfire_lit"},
    {"kind": "MESSAGE", "queue": "ashen_chat"}
  ]
}`)
	r, err := Load(path, Defaults(baseConfig()))
	if err != nil {
		t.Fatalf("load routes: %v", err)
	}
	if route, _ := r.Resolve(events.KindBonfireLit); !route.Topic() || route.Destination() != "events.bonfire_lit" {
		t.Fatalf("expected topic route, got %#v", route)
	}
	if route, _ := r.Resolve(events.KindMessage); route.Destination() != "ashen_chat" {
		t.Fatalf("expected overridden queue, got %#v", route)
	}
	if route, _ := r.Resolve(events.KindInvasion); route.Destination() != "ashen_invasions" {
		t.Fatalf("expected default invasion queue, got %#v", route)
	}
}

func TestLoadRejectsBadRoutes(t *testing.T) {
	cases := map[string]string{
		"unknown kind": `{"routes":[{"kind":"DANCE","queue":"q"}]}`,
		"duplicate":    `{"routes":[{"kind":"MESSAGE","queue":"a"},{"kind":"MESSAGE","queue":"b"}]}`,
		"both targets": `{"routes":[{"kind":"MESSAGE","queue":"a","routing_key":"messages.x"}]}`,
		"no target":    `{"routes":[{"kind":"MESSAGE"}]}`,
		"bad json":     `{"routes":`,
	}
	for name, data := range cases {
		if _, err := Load(writeRoutes(t, data), Defaults(baseConfig())); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json"), Resolver{}); err == nil || !strings.Contains(err.Error(), "read routes config") {
		t.Fatalf("expected read error, got %v", err)
	}
}
