package envelope

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// maxLineSize bounds a single stream line. Relays cap message bodies well
// below this.
const maxLineSize = 1 << 20

// ParseStream reads line-delimited relay messages from r. Blank lines and
// lines that are not a JSON message are skipped; skipped reports how many
// non-blank lines were dropped. An error is returned only when reading from
// r fails.
func ParseStream(r io.Reader) (messages []Message, skipped int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			skipped++
			continue
		}
		messages = append(messages, msg)
	}

	if err := scanner.Err(); err != nil {
		return messages, skipped, fmt.Errorf("read relay stream: %w", err)
	}
	return messages, skipped, nil
}
