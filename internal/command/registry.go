package command

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds all registered commands, indexed by name and alias.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	index    map[string]string // alias (or name) -> canonical name
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]*Command),
		index:    make(map[string]string),
	}
}

// Register adds a command. Name and alias collisions are an error.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil || cmd.Name == "" {
		return fmt.Errorf("command must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[cmd.Name]; exists {
		return fmt.Errorf("command %q already registered", cmd.Name)
	}
	for _, alias := range cmd.Aliases {
		if _, exists := r.index[alias]; exists {
			return fmt.Errorf("alias %q already registered", alias)
		}
	}

	r.commands[cmd.Name] = cmd
	r.index[cmd.Name] = cmd.Name
	for _, alias := range cmd.Aliases {
		r.index[alias] = cmd.Name
	}
	return nil
}

// Resolve returns the command for a name or alias, or nil.
func (r *Registry) Resolve(name string) *Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canonical, ok := r.index[name]
	if !ok {
		return nil
	}
	return r.commands[canonical]
}

// Names returns all canonical command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
