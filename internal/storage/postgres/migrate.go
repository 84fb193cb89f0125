// README: Applies plain SQL migration files (one statement per ';').
package postgres

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ApplyDir runs every *.sql file in dir in lexical order.
func ApplyDir(ctx context.Context, db DBTX, dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		if err := ApplyFile(ctx, db, f); err != nil {
			return err
		}
	}
	return nil
}

func ApplyFile(ctx context.Context, db DBTX, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for i, stmt := range splitSQL(stripSQLComments(string(content))) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%s statement %d: %w", filepath.Base(path), i+1, err)
		}
	}
	return nil
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		stmt := strings.TrimSpace(p)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
