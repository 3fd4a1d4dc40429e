package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

const (
	inputPlaceholder = "{input}"
	pagePlaceholder  = "{page}"
)

// Spec describes an external extraction command. Command and PageCount are
// argv templates; {input} is replaced by the document path and {page} by
// the 1-based page number.
type Spec struct {
	Command     []string `yaml:"command" json:"command"`
	PageCount   []string `yaml:"page_count,omitempty" json:"page_count,omitempty"`
	PagePattern string   `yaml:"page_pattern,omitempty" json:"page_pattern,omitempty"`
}

// DefaultSpecs are the extraction commands used when no configuration
// overrides them: poppler for PDFs, pandoc for DOCX and EPUB, antiword for
// legacy Word files.
func DefaultSpecs() map[string]Spec {
	pandoc := Spec{Command: []string{"pandoc", "--to=plain", "--wrap=none", inputPlaceholder}}
	return map[string]Spec{
		".pdf": {
			Command:     []string{"pdftotext", "-layout", "-enc", "UTF-8", "-f", pagePlaceholder, "-l", pagePlaceholder, inputPlaceholder, "-"},
			PageCount:   []string{"pdfinfo", inputPlaceholder},
			PagePattern: `(?m)^Pages:\s+(\d+)`,
		},
		".docx": pandoc,
		".epub": pandoc,
		".doc":  {Command: []string{"antiword", inputPlaceholder}},
	}
}

// ExecLoader extracts text by running an external command. With a page
// count command it extracts one page per invocation and reports progress
// per page; otherwise it runs once and splits the output on form feeds.
type ExecLoader struct {
	spec        Spec
	pagePattern *regexp.Regexp
}

// NewExecLoader validates spec and returns a loader for it
func NewExecLoader(spec Spec) (*ExecLoader, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("loader command is empty")
	}
	l := &ExecLoader{spec: spec}
	if len(spec.PageCount) > 0 {
		pattern := spec.PagePattern
		if pattern == "" {
			pattern = `(\d+)`
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid page pattern: %w", err)
		}
		l.pagePattern = re
	}
	return l, nil
}

// NewRegistryFromSpecs builds a registry with one ExecLoader per extension
func NewRegistryFromSpecs(specs map[string]Spec) (*Registry, error) {
	r := NewRegistry()
	for ext, spec := range specs {
		l, err := NewExecLoader(spec)
		if err != nil {
			return nil, fmt.Errorf("loader for %s: %w", ext, err)
		}
		r.Register(ext, l)
	}
	return r, nil
}

func (l *ExecLoader) Load(ctx context.Context, path string, progress ProgressFunc) ([]Unit, error) {
	if l.pagePattern != nil {
		return l.loadPaged(ctx, path, progress)
	}

	out, err := run(ctx, expand(l.spec.Command, path, 0))
	if err != nil {
		return nil, err
	}

	sections := strings.Split(out, "\f")
	units := make([]Unit, 0, len(sections))
	for i, section := range sections {
		if text := strings.TrimSpace(section); text != "" {
			units = append(units, Unit{Number: i + 1, Text: text})
		}
		progress(i+1, len(sections), 0)
	}
	if len(units) == 0 {
		return nil, ErrNoContent
	}
	return units, nil
}

func (l *ExecLoader) loadPaged(ctx context.Context, path string, progress ProgressFunc) ([]Unit, error) {
	out, err := run(ctx, expand(l.spec.PageCount, path, 0))
	if err != nil {
		return nil, fmt.Errorf("page count: %w", err)
	}
	m := l.pagePattern.FindStringSubmatch(out)
	if len(m) < 2 {
		return nil, fmt.Errorf("page count: no match in %q", truncate(out, 80))
	}
	pages, err := strconv.Atoi(m[1])
	if err != nil || pages <= 0 {
		return nil, fmt.Errorf("page count: invalid value %q", m[1])
	}

	units := make([]Unit, 0, pages)
	for page := 1; page <= pages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := run(ctx, expand(l.spec.Command, path, page))
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		if text = strings.TrimSpace(text); text != "" {
			units = append(units, Unit{Number: page, Text: text})
		}
		progress(page, pages, 0)
	}
	if len(units) == 0 {
		return nil, ErrNoContent
	}
	return units, nil
}

func expand(tmpl []string, path string, page int) []string {
	args := make([]string, len(tmpl))
	for i, a := range tmpl {
		a = strings.ReplaceAll(a, inputPlaceholder, path)
		a = strings.ReplaceAll(a, pagePlaceholder, strconv.Itoa(page))
		args[i] = a
	}
	return args
}

func run(ctx context.Context, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %w: %s", args[0], err, truncate(msg, 200))
		}
		return "", fmt.Errorf("%s: %w", args[0], err)
	}
	return string(out), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
