package builtin

import (
	"context"
	"strings"

	"github.com/bdobrica/kotoba/internal/kotoba/commands"
	"github.com/bdobrica/kotoba/internal/kotoba/commands/argfilter"
	"github.com/bdobrica/kotoba/internal/kotoba/event"
	"github.com/bdobrica/kotoba/internal/kotoba/permission"
	"github.com/bdobrica/kotoba/internal/kotoba/plugin"
)

const sayKey = "message"

func basePlugin(deps *Deps) *plugin.Plugin {
	return &plugin.Plugin{
		Name:  "base",
		Usage: "echo <text>: repeat the text as is\nsay <message>: send a rich message (superusers)",
		Commands: []*commands.Command{
			commands.New(commands.Name{"echo"}, echo),
			commands.New(commands.Name{"say"}, say(deps),
				commands.WithPermission(permission.Superuser),
				commands.WithArgsParser(sayArgs),
			),
		},
	}
}

// echo repeats its argument without interpreting segment codes.
func echo(ctx context.Context, s *commands.Session) commands.Outcome {
	if s.CurrentArg == "" {
		return commands.Done()
	}
	if err := s.Send(ctx, event.TextMessage(s.CurrentArg)); err != nil {
		return commands.Failed(err)
	}
	return commands.Done()
}

func sayArgs(_ context.Context, s *commands.Session) error {
	if !s.IsFirstRun() {
		return nil
	}
	if arg := strings.TrimSpace(s.CurrentArg); arg != "" {
		s.State()[sayKey] = arg
	}
	return nil
}

// say sends its argument with segment codes such as [image:url=...]
// rendered, asking for the message when none was given.
func say(deps *Deps) commands.Handler {
	return func(ctx context.Context, s *commands.Session) commands.Outcome {
		msg, err := s.GetString(ctx, sayKey,
			commands.Prompt("What should I say?"),
			commands.Filters(
				argfilter.HandleCancellation(deps.Cancel),
				argfilter.String(strings.TrimSpace),
				argfilter.NotEmpty("Say what? Send some text."),
			),
		)
		if err != nil {
			return commands.Failed(err)
		}
		if err := s.Send(ctx, event.ParseMessage(msg)); err != nil {
			return commands.Failed(err)
		}
		return commands.Done()
	}
}
