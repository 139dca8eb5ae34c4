package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/bdobrica/kotoba/common/version"
	"github.com/bdobrica/kotoba/internal/kotoba/commands"
	"github.com/bdobrica/kotoba/internal/kotoba/nlp"
	"github.com/bdobrica/kotoba/internal/kotoba/plugin"
)

// helpConfidence beats the default NLP threshold without outbidding a
// domain processor that is sure of itself.
const helpConfidence = 70

func helpPlugin(deps *Deps) *plugin.Plugin {
	return &plugin.Plugin{
		Name:  "help",
		Usage: "help: list plugins\nhelp <plugin>: show a plugin's usage\nversion: show the build",
		Commands: []*commands.Command{
			commands.New(commands.Name{"help"}, help(deps), commands.WithAliases("usage")),
			commands.New(commands.Name{"version"}, func(ctx context.Context, s *commands.Session) commands.Outcome {
				return s.Finish(ctx, "kotoba "+version.Info())
			}),
		},
		NLProcessors: []*nlp.Processor{
			nlp.NewProcessor(helpIntent, nlp.WithKeywords("help", "Help", "what can you do", "What can you do")),
		},
	}
}

func helpIntent(_ context.Context, s *nlp.Session) (*nlp.IntentCommand, error) {
	text := strings.ToLower(strings.TrimSpace(s.MsgText))
	if !strings.Contains(text, "help") && !strings.Contains(text, "what can you do") {
		return nil, nil
	}
	return &nlp.IntentCommand{Confidence: helpConfidence, Name: commands.Name{"help"}}, nil
}

func help(deps *Deps) commands.Handler {
	return func(ctx context.Context, s *commands.Session) commands.Outcome {
		reg := deps.Runtime.Plugins
		name := strings.TrimSpace(s.CurrentArg)

		if name == "" {
			var lines []string
			for _, p := range reg.Plugins() {
				if p.Usage == "" || !reg.Enabled(p.Path) {
					continue
				}
				lines = append(lines, p.DisplayName())
			}
			if len(lines) == 0 {
				return s.Finish(ctx, "No plugins with usage are loaded.")
			}
			return s.Finish(ctx, "Plugins:\n"+bullet(lines)+"\n\nSend \"help <plugin>\" for details.")
		}

		for _, p := range reg.Plugins() {
			if p.Usage != "" && reg.Enabled(p.Path) && (strings.EqualFold(p.DisplayName(), name) || p.Path == name) {
				return s.Finish(ctx, fmt.Sprintf("%s\n%s", p.DisplayName(), p.Usage))
			}
		}
		return s.Finish(ctx, fmt.Sprintf("No plugin named %q.", name))
	}
}
