package duckdb

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/askmesh/askmesh/internal/storage"
)

const (
	parquetMagic       = "PAR1"
	maxParallelFetches = 4
)

// stageView copies a view's Parquet objects into workDir so DuckDB can
// read them as local files. Returned paths keep the order of view.Keys.
// File names carry the view's position so views whose table names map to
// the same stage name never share files.
func stageView(ctx context.Context, store storage.ObjectReader, workDir string, viewIndex int, view View) ([]string, error) {
	paths := make([]string, len(view.Keys))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxParallelFetches)
	for index, key := range view.Keys {
		localPath := filepath.Join(workDir, fmt.Sprintf("v%d_%s_%d.parquet", viewIndex, stageName(view.Table), index))
		paths[index] = localPath
		group.Go(func() error {
			return stageObject(groupCtx, store, key, localPath)
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("stage view %q: %w", view.Table, err)
	}
	return paths, nil
}

func stageObject(ctx context.Context, store storage.ObjectReader, key, localPath string) error {
	reader, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get object %q: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	buffered := bufio.NewReader(reader)
	header, err := buffered.Peek(len(parquetMagic))
	if err != nil || string(header) != parquetMagic {
		return fmt.Errorf("object %q is not a parquet file", key)
	}

	file, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, buffered); err != nil {
		_ = file.Close()
		return fmt.Errorf("copy object %q: %w", key, err)
	}
	return file.Close()
}

func stageName(table string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, table)
	if name == "" {
		return "table"
	}
	return name
}
