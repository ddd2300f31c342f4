package author

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"text/template"
)

//go:embed prompts/*.tmpl
var defaultPrompts embed.FS

const (
	systemTemplate   = "system.tmpl"
	generateTemplate = "generate.tmpl"
	refineTemplate   = "refine.tmpl"
)

var templateFuncs = template.FuncMap{
	"join": strings.Join,
}

// Templates holds the parsed prompt set. A file with the same name in the
// override directory replaces the built-in template.
type Templates struct {
	system   *template.Template
	generate *template.Template
	refine   *template.Template
}

func LoadTemplates(overrideDir string) (*Templates, error) {
	var overrides fs.FS
	if dir := strings.TrimSpace(overrideDir); dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("prompt dir: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("prompt dir %q is not a directory", dir)
		}
		overrides = os.DirFS(dir)
	}
	return loadTemplatesFS(overrides)
}

func loadTemplatesFS(overrides fs.FS) (*Templates, error) {
	load := func(name string) (*template.Template, error) {
		body, err := readPrompt(overrides, name)
		if err != nil {
			return nil, err
		}
		tmpl, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(string(body))
		if err != nil {
			return nil, fmt.Errorf("parse prompt %s: %w", name, err)
		}
		return tmpl, nil
	}

	system, err := load(systemTemplate)
	if err != nil {
		return nil, err
	}
	generate, err := load(generateTemplate)
	if err != nil {
		return nil, err
	}
	refine, err := load(refineTemplate)
	if err != nil {
		return nil, err
	}
	return &Templates{system: system, generate: generate, refine: refine}, nil
}

func readPrompt(overrides fs.FS, name string) ([]byte, error) {
	if overrides != nil {
		body, err := fs.ReadFile(overrides, name)
		if err == nil {
			return body, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read prompt override %s: %w", name, err)
		}
	}
	body, err := defaultPrompts.ReadFile("prompts/" + name)
	if err != nil {
		return nil, fmt.Errorf("read built-in prompt %s: %w", name, err)
	}
	return body, nil
}

func render(tmpl *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", tmpl.Name(), err)
	}
	return strings.TrimSpace(b.String()), nil
}
