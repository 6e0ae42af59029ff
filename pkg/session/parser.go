package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	initialScanBufSize = 64 * 1024
	maxLineSize        = 64 * 1024 * 1024
)

// Parse reads a session file. The first valid line must be the session
// header; subsequent lines are entries. Invalid JSON lines (including a
// trailing partial line still being written) are skipped. The file is never
// modified.
func Parse(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, initialScanBufSize), maxLineSize)

	sess := &Session{Path: path}
	headerSeen := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !headerSeen {
			var header Header
			if err := json.Unmarshal([]byte(line), &header); err != nil {
				return nil, fmt.Errorf("malformed header in %s: %w", path, err)
			}
			if header.Type != TypeSession {
				return nil, fmt.Errorf("malformed header in %s: first record has type %q", path, header.Type)
			}
			sess.Header = header
			headerSeen = true
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// Tolerate a partial trailing line; the next parse will see it whole.
			continue
		}
		entry.Raw = json.RawMessage(line)
		sess.Entries = append(sess.Entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading session %s: %w", path, err)
	}
	if !headerSeen {
		return nil, fmt.Errorf("empty session %s", path)
	}

	return sess, nil
}

// EncodeCwd converts a working directory into the session directory naming
// convention: "/" becomes "-", wrapped in double dashes.
func EncodeCwd(cwd string) string {
	return "--" + strings.ReplaceAll(strings.TrimPrefix(cwd, "/"), "/", "-") + "--"
}

// ProjectFromPath derives the project label from the session file location,
// preferring the encoded-cwd parent directory.
func ProjectFromPath(path string) string {
	dir := filepath.Base(filepath.Dir(path))
	if strings.HasPrefix(dir, "--") && strings.HasSuffix(dir, "--") && len(dir) > 4 {
		encoded := dir[2 : len(dir)-2]
		parts := strings.Split(encoded, "-")
		return parts[len(parts)-1]
	}
	return dir
}

// IsSessionFile reports whether the path matches the session naming
// convention (a .jsonl file under an encoded-cwd directory).
func IsSessionFile(path string) bool {
	if filepath.Ext(path) != ".jsonl" {
		return false
	}
	dir := filepath.Base(filepath.Dir(path))
	return strings.HasPrefix(dir, "--") && strings.HasSuffix(dir, "--")
}
