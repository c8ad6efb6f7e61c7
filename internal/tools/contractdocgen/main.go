package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/viewmill/viewmill/internal/projection/contract"
)

type catalogEntry struct {
	File     string
	Contract contract.Contract
}

func main() {
	var outPath string
	var rootFlag string
	var contractsDir string
	flag.StringVar(&outPath, "out", "docs/projections/contract-catalog.md", "output path for the catalog")
	flag.StringVar(&rootFlag, "root", "", "repo root (defaults to locating go.mod)")
	flag.StringVar(&contractsDir, "contracts", "contracts", "directory of projection contract files")
	flag.Parse()

	root, err := resolveRoot(rootFlag)
	if err != nil {
		fatal(err)
	}
	output := outPath
	if !filepath.IsAbs(output) {
		output = filepath.Join(root, outPath)
	}
	dir := contractsDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, contractsDir)
	}

	entries, err := collectContracts(dir)
	if err != nil {
		fatal(err)
	}
	content := renderCatalog(entries)

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		fatal(fmt.Errorf("create output dir: %w", err))
	}
	if err := os.WriteFile(output, []byte(content), 0o644); err != nil {
		fatal(fmt.Errorf("write catalog: %w", err))
	}
}

func resolveRoot(flagRoot string) (string, error) {
	if flagRoot != "" {
		return filepath.Clean(flagRoot), nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working dir: %w", err)
	}
	return findModuleRoot(wd)
}

func findModuleRoot(start string) (string, error) {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("go.mod not found above %s", start)
}

// collectContracts parses every contract directly under dir in
// lexicographic filename order, the same order the worker loads them.
func collectContracts(dir string) ([]catalogEntry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read contracts directory %s: %w", dir, err)
	}
	entries := []catalogEntry{}
	for _, entry := range dirEntries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		c, err := contract.Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		entries = append(entries, catalogEntry{File: entry.Name(), Contract: c})
	}
	return entries, nil
}

func renderCatalog(entries []catalogEntry) string {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.WriteString("title: \"Projection Contract Catalog\"\n")
	buf.WriteString("parent: \"Projections\"\n")
	buf.WriteString("nav_order: 1\n")
	buf.WriteString("---\n\n")
	buf.WriteString("# Projection Contract Catalog\n\n")
	buf.WriteString("Generated by `go run ./internal/tools/contractdocgen`.\n\n")

	if len(entries) == 0 {
		buf.WriteString("No contracts found.\n")
		return buf.String()
	}

	byDomain := make(map[string][]catalogEntry)
	for _, entry := range entries {
		domain := entry.Contract.Projector.Domain
		byDomain[domain] = append(byDomain[domain], entry)
	}
	domains := make([]string, 0, len(byDomain))
	for domain := range byDomain {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	for _, domain := range domains {
		buf.WriteString(fmt.Sprintf("## %s\n\n", domain))
		for _, entry := range byDomain[domain] {
			c := entry.Contract
			buf.WriteString(fmt.Sprintf("### `%s` (`%s`)\n", c.Key(), entry.File))
			buf.WriteString(fmt.Sprintf("- Table: `%s`\n", c.Projector.Table))
			buf.WriteString(fmt.Sprintf("- Watermark: `%s` ordered by `%s`\n", c.Ordering.EntityIDColumn, c.Ordering.SequenceColumn))
			buf.WriteString("- Columns:\n")
			for _, col := range c.Schema.Columns {
				label := col.Name
				if col.PrimaryKey {
					label += " (primary key)"
				}
				buf.WriteString(fmt.Sprintf("  - `%s`: `%s`\n", label, col.Type))
			}
			if len(c.Schema.Indexes) > 0 {
				buf.WriteString("- Indexes:\n")
				for _, index := range c.Schema.Indexes {
					buf.WriteString(fmt.Sprintf("  - `(%s)`\n", strings.Join(index.Columns, ", ")))
				}
			}
			if len(c.Events) > 0 {
				buf.WriteString("- Consumes:\n")
				for _, evt := range c.Events {
					buf.WriteString(fmt.Sprintf("  - `%s` fields: `%s`\n", evt.Type, strings.Join(evt.Fields, ", ")))
				}
			}
			buf.WriteString("\n")
		}
	}
	return buf.String()
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
