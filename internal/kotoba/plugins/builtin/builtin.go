// Package builtin holds the plugins every kotoba deployment ships with:
// echo and say, help, operator commands, and invite handling.
package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/bdobrica/kotoba/internal/kotoba/audit"
	"github.com/bdobrica/kotoba/internal/kotoba/config"
	"github.com/bdobrica/kotoba/internal/kotoba/expression"
	"github.com/bdobrica/kotoba/internal/kotoba/plugin"
	"github.com/bdobrica/kotoba/internal/kotoba/runtime"
	"github.com/bdobrica/kotoba/internal/kotoba/store"
)

// Catalog paths.
const (
	PathBase   = "builtin.base"
	PathHelp   = "builtin.help"
	PathAdmin  = "builtin.admin"
	PathEvents = "builtin.events"
)

// Paths lists every builtin plugin in load order.
func Paths() []string {
	return []string{PathBase, PathHelp, PathAdmin, PathEvents}
}

// Deps are the services the builtin plugins use. The factories read it when
// a plugin is loaded, so it may be filled in after the catalog is built.
type Deps struct {
	Runtime *runtime.Runtime
	// Store backs audit and command switch commands. Nil disables them.
	Store    *store.Store
	Config   config.Store
	Notifier audit.Notifier
	// Cancel is the reply of interactive prompts the user cancels.
	Cancel expression.Expression
	// Welcome greets new room members. Nil disables the greeting.
	Welcome expression.Expression
}

func (d *Deps) notify(ctx context.Context, evt audit.Event) {
	if d.Notifier != nil {
		d.Notifier.Notify(ctx, evt)
	}
}

// Register adds the builtin factories to cat.
func Register(cat *plugin.Catalog, deps *Deps) error {
	factories := map[string]plugin.Factory{
		PathBase:   func() (*plugin.Plugin, error) { return basePlugin(deps), nil },
		PathHelp:   func() (*plugin.Plugin, error) { return helpPlugin(deps), nil },
		PathAdmin:  func() (*plugin.Plugin, error) { return adminPlugin(deps), nil },
		PathEvents: func() (*plugin.Plugin, error) { return eventsPlugin(deps), nil },
	}
	for _, path := range Paths() {
		if err := cat.Add(path, factories[path]); err != nil {
			return err
		}
	}
	return nil
}

// usage finishes the session with the command's usage line.
func bullet(lines []string) string {
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "• %s", l)
	}
	return b.String()
}
