// Package hba maintains the replication entries in pg_hba.conf that
// let peers stream WAL from this node. It diffs the rule set the
// monitor currently expects against what's on disk and rewrites the
// file only when something changed.
package hba

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/cuemby/pgautofailover/pkg/config"
)

const (
	beginMarker = "# pg_autoctl replication rules, do not edit below this line"
	endMarker   = "# pg_autoctl replication rules, end"
)

// Rule is one replication grant: host, the peer's CIDR and the
// authentication method selected by the configured HBA level.
type Rule struct {
	Host   string
	CIDR   string
	Method string
}

func (r Rule) line() string {
	return fmt.Sprintf("host replication all %s %s", r.CIDR, r.Method)
}

// MethodForLevel maps an HBA level to the auth method used for the
// managed replication rules (spec.md §6's hba_level setting).
func MethodForLevel(level config.HBALevel) string {
	switch level {
	case config.HBAMinimal:
		return "trust"
	case config.HBAApp:
		return "scram-sha-256"
	case config.HBALan, config.HBANetwork:
		return "md5"
	default:
		return "md5"
	}
}

// Sync rewrites the managed block of pgHbaPath so it contains exactly
// one rule per peer CIDR, preserving everything outside the markers
// verbatim. It returns whether the file was actually changed, so the
// caller knows whether a reload is needed.
func Sync(pgHbaPath string, rules []Rule) (changed bool, err error) {
	existing, err := os.ReadFile(pgHbaPath)
	if err != nil {
		return false, fmt.Errorf("hba: read %s: %w", pgHbaPath, err)
	}

	before, _, after, found := splitManagedBlock(existing)
	newBlock := renderBlock(rules)

	var buf bytes.Buffer
	buf.Write(before)
	if len(before) > 0 && before[len(before)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString(newBlock)
	buf.Write(after)

	newContents := buf.Bytes()
	if found && bytes.Equal(newContents, existing) {
		return false, nil
	}

	tmp := pgHbaPath + ".new"
	if err := os.WriteFile(tmp, newContents, 0o600); err != nil {
		return false, fmt.Errorf("hba: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, pgHbaPath); err != nil {
		return false, fmt.Errorf("hba: rename %s to %s: %w", tmp, pgHbaPath, err)
	}
	return true, nil
}

func renderBlock(rules []Rule) string {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CIDR < sorted[j].CIDR })

	var b strings.Builder
	b.WriteString(beginMarker + "\n")
	for _, r := range sorted {
		b.WriteString(r.line() + "\n")
	}
	b.WriteString(endMarker + "\n")
	return b.String()
}

// splitManagedBlock returns the bytes before the managed block, the
// block itself, and the bytes after it. found is false when no
// managed block exists yet (a fresh pg_hba.conf from initdb).
func splitManagedBlock(data []byte) (before, block, after []byte, found bool) {
	lines := bytes.Split(data, []byte("\n"))
	beginIdx, endIdx := -1, -1
	for i, line := range lines {
		s := string(bytes.TrimSpace(line))
		if s == beginMarker {
			beginIdx = i
		}
		if s == endMarker && beginIdx != -1 {
			endIdx = i
			break
		}
	}
	if beginIdx == -1 || endIdx == -1 {
		return data, nil, nil, false
	}

	before = bytes.Join(lines[:beginIdx], []byte("\n"))
	block = bytes.Join(lines[beginIdx:endIdx+1], []byte("\n"))
	after = bytes.Join(lines[endIdx+1:], []byte("\n"))
	return before, block, after, true
}

// ReadReplicationCIDRs returns the CIDRs currently present in the
// managed block.
func ReadReplicationCIDRs(pgHbaPath string) ([]string, error) {
	f, err := os.Open(pgHbaPath)
	if err != nil {
		return nil, fmt.Errorf("hba: open %s: %w", pgHbaPath, err)
	}
	defer f.Close()

	var cidrs []string
	inBlock := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == beginMarker:
			inBlock = true
		case line == endMarker:
			inBlock = false
		case inBlock && strings.HasPrefix(line, "host replication"):
			fields := strings.Fields(line)
			if len(fields) >= 5 {
				cidrs = append(cidrs, fields[3])
			}
		}
	}
	return cidrs, scanner.Err()
}
