package relay

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Parse reads 3-line NORAD TLE sets (name, line 1, line 2) from r.
// Malformed entries are skipped with a warning log.
func Parse(r io.Reader, logger *slog.Logger) ([]*Relay, error) {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading relay TLE data: %w", err)
	}

	var relays []*Relay
	for i := 0; i+2 < len(lines); {
		name := strings.TrimSpace(lines[i])
		line1 := lines[i+1]
		line2 := lines[i+2]

		if !strings.HasPrefix(line1, "1 ") || !strings.HasPrefix(line2, "2 ") {
			// Resynchronize on the next line.
			logger.Warn("skipping malformed relay entry", "line_index", i, "name", name)
			i++
			continue
		}

		rl, err := New(name, line1, line2)
		if err != nil {
			logger.Warn("skipping invalid relay TLE", "name", name, "error", err)
			i += 3
			continue
		}
		relays = append(relays, rl)
		i += 3
	}

	return relays, nil
}
