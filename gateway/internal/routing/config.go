package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ashen-realm/shared/config"
	"ashen-realm/shared/events"
)

// Route says where events of one kind go. A route with a Queue is sent
// straight to that queue through the default exchange; a route with a
// RoutingKey is published on the topic exchange instead.
type Route struct {
	Kind       events.Kind `json:"kind"`
	Queue      string      `json:"queue,omitempty"`
	RoutingKey string      `json:"routing_key,omitempty"`
}

func (r Route) Topic() bool { return r.RoutingKey != "" }

// Destination is the queue or routing key the route publishes to.
func (r Route) Destination() string {
	if r.Topic() {
		return r.RoutingKey
	}
	return r.Queue
}

type Config struct {
	Routes []Route `json:"routes"`
}

type Resolver struct {
	routes map[events.Kind]Route
}

var routable = []events.Kind{events.KindMessage, events.KindInvasion, events.KindBonfireLit}

// Defaults routes every gateway event kind to its configured queue.
func Defaults(cfg config.Config) Resolver {
	return Resolver{routes: map[events.Kind]Route{
		events.KindMessage:    {Kind: events.KindMessage, Queue: cfg.QueueMessages},
		events.KindInvasion:   {Kind: events.KindInvasion, Queue: cfg.QueueInvasions},
		events.KindBonfireLit: {Kind: events.KindBonfireLit, Queue: cfg.QueueEvents},
	}}
}

// Load overlays the routes file at path on base. Kinds the file does not
// mention keep their base route.
func Load(path string, base Resolver) (Resolver, error) {
	if strings.TrimSpace(path) == "" {
		return Resolver{}, errors.New("routes config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Resolver{}, fmt.Errorf("read routes config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Resolver{}, fmt.Errorf("parse routes config: %w", err)
	}

	out := Resolver{routes: make(map[events.Kind]Route, len(routable))}
	for k, v := range base.routes {
		out.routes[k] = v
	}
	seen := map[events.Kind]bool{}
	for _, route := range cfg.Routes {
		route.Kind = events.Kind(strings.ToUpper(strings.TrimSpace(string(route.Kind))))
		route.Queue = strings.TrimSpace(route.Queue)
		route.RoutingKey = strings.TrimSpace(route.RoutingKey)
		if !isRoutable(route.Kind) {
			return Resolver{}, fmt.Errorf("route references unknown kind %q", route.Kind)
		}
		if seen[route.Kind] {
			return Resolver{}, fmt.Errorf("duplicate route for kind %q", route.Kind)
		}
		if (route.Queue == "") == (route.RoutingKey == "") {
			return Resolver{}, fmt.Errorf("route for %q must set exactly one of queue or routing_key", route.Kind)
		}
		seen[route.Kind] = true
		out.routes[route.Kind] = route
	}
	return out, nil
}

func (r Resolver) Resolve(kind events.Kind) (Route, bool) {
	route, ok := r.routes[kind]
	if !ok || route.Destination() == "" {
		return Route{}, false
	}
	return route, true
}

func isRoutable(kind events.Kind) bool {
	for _, k := range routable {
		if k == kind {
			return true
		}
	}
	return false
}

// DefaultRoutesPath points at configs/<env>.gateway.routes.json under the
// repo root. The file is optional.
func DefaultRoutesPath(env string) (string, error) {
	root, err := findRepoRoot()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(env) == "" {
		env = "dev"
	}
	return filepath.Join(root, "configs", env+".gateway.routes.json"), nil
}

func findRepoRoot() (string, error) {
	start, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", errors.New("repo root not found")
}
