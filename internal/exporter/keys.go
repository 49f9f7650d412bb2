package exporter

import (
	"fmt"
	"os"
	"strings"
)

// ReadProjectKeysFile loads project keys from a text file, one per line.
// Comment lines start with '#'; CSV rows contribute their first column.
func ReadProjectKeysFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading project keys file: %w", err)
	}
	var keys []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.Index(line, ","); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line != "" {
			keys = append(keys, line)
		}
	}
	return keys, nil
}
