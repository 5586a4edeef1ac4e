package primitives

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/dataproduct"
	"github.com/ravi-parthasarathy/kpfpipe/pkg/pipeline"
)

// fromFileStep loads a product of a fixed level from disk.
type fromFileStep struct {
	level dataproduct.Level
	path  string
	err   error
}

func fromFile(level dataproduct.Level) pipeline.Factory {
	return func(_ *pipeline.ProcessingContext, inv *pipeline.Invocation) (pipeline.Primitive, error) {
		path, err := inv.Args.String(0, "path", "")
		return &fromFileStep{level: level, path: path, err: err}, nil
	}
}

func (p *fromFileStep) Valid() error {
	if p.err != nil {
		return p.err
	}
	if p.path == "" {
		return fmt.Errorf("missing file path")
	}
	info, err := os.Stat(p.path)
	if err != nil {
		return fmt.Errorf("input %s: %w", p.path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("input %s is a directory", p.path)
	}
	return nil
}

func (p *fromFileStep) Perform(_ context.Context) (pipeline.Result, error) {
	prod, err := dataproduct.ReadFile(p.path)
	if err != nil {
		return pipeline.Result{}, err
	}
	if prod.Level() != p.level {
		return pipeline.Result{}, fmt.Errorf("%s holds a %s product, want %s", p.path, prod.Level(), p.level)
	}
	return pipeline.Result{Value: prod}, nil
}

// toFileStep writes a product to disk and yields the path written.
type toFileStep struct {
	product dataproduct.Product
	path    string
	err     error
}

func newToFile(_ *pipeline.ProcessingContext, inv *pipeline.Invocation) (pipeline.Primitive, error) {
	p := &toFileStep{}
	v := inv.Args.At(0)
	if prod, ok := v.(dataproduct.Product); ok {
		p.product = prod
	} else if v != nil {
		p.err = fmt.Errorf("argument 0: want data product, got %T", v)
	}
	path, err := inv.Args.String(1, "path", "")
	p.path = path
	p.err = errors.Join(p.err, err)
	return p, nil
}

func (p *toFileStep) Valid() error {
	if p.err != nil {
		return p.err
	}
	if p.product == nil {
		return fmt.Errorf("missing product to write")
	}
	if p.path == "" {
		return fmt.Errorf("missing output path")
	}
	return p.product.Validate()
}

func (p *toFileStep) Perform(_ context.Context) (pipeline.Result, error) {
	if p.product == nil || p.path == "" {
		return pipeline.Result{}, fmt.Errorf("nothing to write")
	}
	if dir := filepath.Dir(p.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return pipeline.Result{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := dataproduct.WriteFile(p.path, p.product); err != nil {
		return pipeline.Result{}, err
	}
	return pipeline.Result{Value: p.path}, nil
}
