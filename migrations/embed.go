// Package migrations holds the DDL for the write store, the read store and the
// dead-letter archive. Write and read live in distinct schemas with no foreign
// keys between them.
package migrations

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed mysql/*.sql sqlite/*.sql clickhouse/*.sql
var files embed.FS

const (
	TargetWrite      = "write"
	TargetRead       = "read"
	TargetClickHouse = "clickhouse"
)

// Statements returns the DDL statements for a target on the given driver.
// ClickHouse ignores driver.
func Statements(driver, target string) ([]string, error) {
	var path string
	switch target {
	case TargetWrite, TargetRead:
		if driver == "" {
			driver = "mysql"
		}
		path = driver + "/" + target + ".sql"
	case TargetClickHouse:
		path = "clickhouse/dead_letters.sql"
	default:
		return nil, fmt.Errorf("unknown migration target %q", target)
	}

	raw, err := files.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read migration %s: %w", path, err)
	}
	return split(string(raw)), nil
}

func split(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		var lines []string
		for _, line := range strings.Split(stmt, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			lines = append(lines, line)
		}
		if s := strings.TrimSpace(strings.Join(lines, "\n")); s != "" {
			out = append(out, s)
		}
	}
	return out
}
