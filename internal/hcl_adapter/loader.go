package hcl_adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/bootstrapgo/internal/config"
	"github.com/vk/bootstrapgo/internal/ctxlog"
	"github.com/vk/bootstrapgo/internal/fsutil"
	"github.com/zclconf/go-cty/cty"
)

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct {
	env map[string]string
}

// NewLoader creates a loader whose `env` object is the process environment.
func NewLoader() *Loader {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return NewLoaderWithEnv(env)
}

// NewLoaderWithEnv creates a loader that exposes env as the `env` object.
func NewLoaderWithEnv(env map[string]string) *Loader {
	return &Loader{env: env}
}

func (l *Loader) evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(l.env))
	for k, v := range l.env {
		vars[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}

// Load parses every .hcl file under paths and merges them, in path order,
// into one model. Paths that do not exist are skipped.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	hclFiles, err := l.findAllHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered HCL files.", "count", len(hclFiles))

	model := config.NewModel()
	parser := hclparse.NewParser()
	evalCtx := l.evalContext()

	for _, file := range hclFiles {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}

		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, evalCtx, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}

		fileModel, err := l.translate(ctx, &root, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("in %s: %w", file, err)
		}
		if err := model.Merge(fileModel); err != nil {
			return nil, fmt.Errorf("in %s: %w", file, err)
		}
	}

	logger.Debug("HCL loading complete.",
		"files", len(hclFiles),
		"packages", len(model.Packages),
		"constraints", len(model.Constraints),
		"builders", len(model.Builders),
	)
	return model, nil
}

// findAllHCLFiles expands directories into their .hcl files. Files inside
// one directory are taken in lexical order.
func (l *Loader) findAllHCLFiles(paths []string) ([]string, error) {
	var allFiles []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, wasSeen := seen[p]; !wasSeen {
			allFiles = append(allFiles, p)
			seen[p] = struct{}{}
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}

		if info.IsDir() {
			found, err := fsutil.FindFilesByExtension(path, ".hcl")
			if err != nil {
				return nil, err
			}
			for _, f := range found {
				add(f)
			}
		} else if filepath.Ext(path) == ".hcl" {
			add(path)
		}
	}
	return allFiles, nil
}
