// Package plugins holds the per-route request filters. Each plugin registers
// a factory at import time; routes build their chain from the names listed in
// their configuration.
package plugins

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
)

// ErrUnknownPlugin is returned by Build for a name nobody registered.
var ErrUnknownPlugin = errors.New("unknown plugin")

// ErrNotImplemented is returned by Build for a recognised plugin that this
// build does not provide.
var ErrNotImplemented = errors.New("plugin not implemented")

// Plugin filters a request before it is sent upstream.
type Plugin interface {
	Name() string
	// Filter inspects or mutates the request. It returns true when it wrote a
	// response itself and the request must not be proxied.
	Filter(w http.ResponseWriter, r *http.Request) bool
}

// Factory builds a configured Plugin.
type Factory func(config map[string]any) (Plugin, error)

// each plugin registers itself by adding to this map from init
var availablePlugins = map[string]Factory{}

// reserved names that are accepted in configuration but have no implementation
var reserved = map[string]bool{
	"oauth2": true,
}

func register(name string, f Factory) {
	availablePlugins[name] = f
}

// Build returns the plugin registered under name.
func Build(name string, config map[string]any) (Plugin, error) {
	if reserved[name] {
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, name)
	}
	f, ok := availablePlugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	return f(config)
}

// Names lists the registered plugins.
func Names() []string {
	var out []string
	for n := range availablePlugins {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Run applies chain in order and reports whether one of them answered.
func Run(chain []Plugin, w http.ResponseWriter, r *http.Request) bool {
	for _, p := range chain {
		if p.Filter(w, r) {
			return true
		}
	}
	return false
}

func stringOpt(config map[string]any, key, def string) string {
	if v, ok := config[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}
