package preview

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// LoadURLList reads the refresh URL list from disk. It is re-read on every
// batch invocation so edits take effect without a restart.
func LoadURLList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read url list: %w", err)
	}
	return ParseURLList(data)
}

// ParseURLList accepts either a bare JSON array of strings or an object with
// a "urls" field.
func ParseURLList(data []byte) ([]string, error) {
	var bare []string
	if err := json.Unmarshal(data, &bare); err == nil {
		return trimURLs(bare), nil
	}

	var wrapped struct {
		URLs []string `json:"urls"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse url list: %w", err)
	}
	if wrapped.URLs == nil {
		return nil, fmt.Errorf("url list has no urls field")
	}
	return trimURLs(wrapped.URLs), nil
}

func trimURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if t := strings.TrimSpace(u); t != "" {
			out = append(out, t)
		}
	}
	return out
}
