package update

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"strings"
)

// ParseScript decodes a configuration script: one hex-encoded command per
// line. Blank lines and lines starting with '#' are skipped; whitespace
// inside a line is ignored.
func ParseScript(text string) ([][]byte, error) {
	var cmds [][]byte
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.Join(strings.Fields(line), "")
		cmd, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		cmds = append(cmds, cmd)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return cmds, nil
}
