package commands

import "strings"

// ParseConfig lists the command starts and name separators.
type ParseConfig struct {
	// Starts are the prefixes that mark a command. The longest matching one
	// is used. An empty string makes every message a candidate.
	Starts []string
	// Seps split the first word into name parts. The split producing the
	// most parts wins.
	Seps []string
}

// DefaultParseConfig returns the stock starts ("/", "!" and their
// full-width forms) and separators ("/", ".").
func DefaultParseConfig() ParseConfig {
	return ParseConfig{
		Starts: []string{"/", "!", "／", "！"},
		Seps:   []string{"/", "."},
	}
}

// parsed is the result of splitting a message into command parts.
type parsed struct {
	full  string // text after the start, left-trimmed
	first string // first word of full
	rest  string // everything after the first word's separator
	name  Name
	ok    bool
}

func (pc ParseConfig) parse(text string) parsed {
	matched := -1
	for _, start := range pc.Starts {
		if strings.HasPrefix(text, start) && len(start) > matched {
			matched = len(start)
		}
	}
	if matched < 0 {
		return parsed{}
	}

	full := strings.TrimLeft(text[matched:], " \t\r\n")
	if full == "" {
		return parsed{}
	}

	first, rest := full, ""
	if i := strings.IndexAny(full, " \t\r\n"); i >= 0 {
		first = full[:i]
		rest = strings.TrimLeft(full[i:], " \t\r\n")
	}

	var name Name
	for _, sep := range pc.Seps {
		if sep == "" {
			continue
		}
		parts := strings.Split(first, sep)
		if len(parts) > len(name) {
			name = parts
		}
	}
	if len(name) == 0 {
		name = Name{first}
	}

	return parsed{full: full, first: first, rest: rest, name: name, ok: true}
}
