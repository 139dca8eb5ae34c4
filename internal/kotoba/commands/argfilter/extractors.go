package argfilter

import (
	"context"
	"regexp"
	"strconv"

	"github.com/bdobrica/kotoba/internal/kotoba/event"
)

func asMessage(v any) (event.Message, error) {
	switch m := v.(type) {
	case event.Message:
		return m, nil
	default:
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		return event.ParseMessage(s), nil
	}
}

// ExtractText keeps the plain-text part of a message value, joining text
// segments with a space.
func ExtractText(_ context.Context, v any) (any, error) {
	m, err := asMessage(v)
	if err != nil {
		return nil, err
	}
	return m.ExtractPlainText(), nil
}

// ExtractImageURLs returns the URLs of the images in a message value.
func ExtractImageURLs(_ context.Context, v any) (any, error) {
	m, err := asMessage(v)
	if err != nil {
		return nil, err
	}
	urls := m.ImageURLs()
	if urls == nil {
		urls = []string{}
	}
	return urls, nil
}

var numberPattern = regexp.MustCompile(`[+-]?(\d*\.?\d+|\d+\.?\d*)`)

// ExtractNumbers returns every number in the rendered value as a float64.
func ExtractNumbers(_ context.Context, v any) (any, error) {
	m, err := asMessage(v)
	if err != nil {
		return nil, err
	}
	nums := []float64{}
	for _, tok := range numberPattern.FindAllString(m.String(), -1) {
		if f, err := strconv.ParseFloat(tok, 64); err == nil {
			nums = append(nums, f)
		}
	}
	return nums, nil
}
