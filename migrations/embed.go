// SPDX-License-Identifier: Apache-2.0

// Package migrations embeds the SQL schema files applied at bootstrap.
// Files are named NNNN_description.sql and run in version order.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed *.sql
var embeddedFiles embed.FS

type File struct {
	Version int
	Name    string
	SQL     string
}

// Ordered returns the embedded migration files sorted by version. A file
// without a numeric NNNN_ prefix, or two files sharing a version, is a
// packaging mistake and fails loudly.
func Ordered() ([]File, error) {
	entries, err := fs.ReadDir(embeddedFiles, ".")
	if err != nil {
		return nil, err
	}

	seen := make(map[int]string, len(entries))
	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		version, err := parseVersion(name)
		if err != nil {
			return nil, err
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, name, version)
		}
		seen[version] = name

		body, err := embeddedFiles.ReadFile(name)
		if err != nil {
			return nil, err
		}

		files = append(files, File{
			Version: version,
			Name:    name,
			SQL:     string(body),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Version < files[j].Version
	})

	return files, nil
}

func parseVersion(name string) (int, error) {
	prefix, _, found := strings.Cut(name, "_")
	if !found {
		return 0, fmt.Errorf("migration %s: missing NNNN_ version prefix", name)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version < 1 {
		return 0, fmt.Errorf("migration %s: missing NNNN_ version prefix", name)
	}
	return version, nil
}
