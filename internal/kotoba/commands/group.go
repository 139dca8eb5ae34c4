package commands

// Group builds commands sharing a name prefix and default options.
type Group struct {
	Basename Name
	defaults []Option
}

// NewGroup returns a group. defaults apply to every command built by the
// group before the command's own options, so the latter win.
func NewGroup(basename Name, defaults ...Option) *Group {
	return &Group{Basename: append(Name(nil), basename...), defaults: defaults}
}

// Command builds a command named Basename followed by name.
func (g *Group) Command(name Name, h Handler, opts ...Option) *Command {
	full := append(append(Name(nil), g.Basename...), name...)
	all := append(append([]Option(nil), g.defaults...), opts...)
	return New(full, h, all...)
}
