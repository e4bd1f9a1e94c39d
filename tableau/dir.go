package tableau

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/martinemde/vizagent/logging"
	"github.com/martinemde/vizagent/pipeline"
)

// DirSource serves assets from a directory tree instead of a Tableau
// server. Every CSV file is a view; a subdirectory is a workbook holding the
// views inside it.
type DirSource struct {
	fs      afero.Fs
	root    string
	maxRows int
	limit   int
	logger  *slog.Logger
}

// NewDirSource returns a DirSource rooted at root on fsys.
func NewDirSource(fsys afero.Fs, root string, maxRows int, logger *slog.Logger) *DirSource {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &DirSource{fs: fsys, root: path.Clean(root), maxRows: maxRows, limit: DefaultSearchLimit, logger: logging.OrNop(logger)}
}

// Search returns the views and workbooks whose names match term.
func (d *DirSource) Search(ctx context.Context, term string) ([]pipeline.Asset, error) {
	assets, err := d.list()
	if err != nil {
		return nil, err
	}
	var found []pipeline.Asset
	for _, a := range assets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if matches(a.Name, term) {
			found = append(found, a)
		}
		if len(found) == d.limit {
			break
		}
	}
	d.logger.Debug("directory search", "term", term, "results", len(found))
	if len(found) == 0 {
		return nil, fmt.Errorf("no assets named like %q: %w", term, pipeline.ErrNotFound)
	}
	return found, nil
}

// Fetch reads the CSV file behind a view.
func (d *DirSource) Fetch(ctx context.Context, a pipeline.Asset) (*pipeline.Table, error) {
	if a.Kind != pipeline.AssetView {
		return nil, fmt.Errorf("%s %q has no view data: %w", a.Kind, a.Name, pipeline.ErrNotFound)
	}
	f, err := d.fs.Open(path.Join(d.root, a.ID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("view %q: %w", a.Name, pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open view %q: %w", a.Name, err)
	}
	defer f.Close()
	return readTable(a, f, d.maxRows)
}

func (d *DirSource) list() ([]pipeline.Asset, error) {
	if ok, err := afero.DirExists(d.fs, d.root); err != nil || !ok {
		return nil, fmt.Errorf("data directory %q: %w", d.root, pipeline.ErrUnavailable)
	}
	var assets []pipeline.Asset
	err := afero.Walk(d.fs, d.root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, d.root), "/")
		if rel == "" {
			return nil
		}
		if info.IsDir() {
			if strings.Contains(rel, "/") {
				return fs.SkipDir
			}
			assets = append(assets, pipeline.Asset{ID: rel, Name: displayName(rel), Kind: pipeline.AssetWorkbook})
			return nil
		}
		if !strings.EqualFold(path.Ext(rel), ".csv") {
			return nil
		}
		a := pipeline.Asset{ID: rel, Name: displayName(path.Base(rel)), Kind: pipeline.AssetView}
		if dir := path.Dir(rel); dir != "." {
			a.Workbook = displayName(dir)
		}
		assets = append(assets, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", d.root, err)
	}
	// Views before workbooks, then by name.
	sort.SliceStable(assets, func(i, j int) bool {
		if assets[i].Kind != assets[j].Kind {
			return assets[i].Kind == pipeline.AssetView
		}
		return assets[i].Name < assets[j].Name
	})
	return assets, nil
}

// displayName turns "sales_by-region.csv" into "sales by region".
func displayName(file string) string {
	name := strings.TrimSuffix(file, path.Ext(file))
	return strings.Join(strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' || r == ' ' }), " ")
}

// matches reports whether name contains term, or any significant word of
// it, ignoring case.
func matches(name, term string) bool {
	name, term = strings.ToLower(name), strings.ToLower(term)
	if term == "" {
		return false
	}
	if strings.Contains(name, term) {
		return true
	}
	for _, w := range strings.FieldsFunc(term, func(r rune) bool { return !isWordRune(r) }) {
		if len(w) >= 4 && strings.Contains(name, w) {
			return true
		}
	}
	return false
}

func isWordRune(r rune) bool {
	return r == '_' || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') || r > 127
}
