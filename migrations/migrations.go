package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed *.sql
var files embed.FS

// All is every migration concatenated in filename order.
var All = mustConcat()

// Names lists the embedded migration files in apply order.
func Names() []string {
	entries, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil
	}
	sort.Strings(entries)
	return entries
}

// Apply runs each embedded migration against the pool. Statements are written
// to be re-runnable.
func Apply(ctx context.Context, pool *pgxpool.Pool) error {
	for _, name := range Names() {
		data, err := files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("migrations: read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("migrations: apply %s: %w", name, err)
		}
	}
	return nil
}

func mustConcat() string {
	var b strings.Builder
	for _, name := range Names() {
		data, err := files.ReadFile(name)
		if err != nil {
			panic(err)
		}
		b.Write(data)
		b.WriteString("\n")
	}
	return b.String()
}
