package registrar

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/legato/listen/internal/errs"
)

// ArtifactExt is the extension of artifacts discovered by DirSource.
const ArtifactExt = ".md"

// Artifact is one source document.
type Artifact struct {
	Path    string
	Content string
	ModTime time.Time
}

// ArtifactSource reads artifacts by path and enumerates all of them.
type ArtifactSource interface {
	Fetch(ctx context.Context, path string) (Artifact, error)
	List(ctx context.Context) ([]string, error)
}

// DirSource serves artifacts from the Library on disk. Paths it returns are
// slash-separated and relative to Base; paths outside Base stay absolute.
//
// Fetch only reads artifact files under one of Roots (or under Base when Roots
// is empty), after resolving symlinks. AllowExternal lifts that restriction for
// callers that already hold the user's own file paths, such as the CLI.
type DirSource struct {
	Base          string
	Roots         []string
	AllowExternal bool
}

var _ ArtifactSource = (*DirSource)(nil)

func NewDirSource(base string, roots []string) *DirSource {
	return &DirSource{Base: base, Roots: roots}
}

func (d *DirSource) Fetch(ctx context.Context, path string) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	abs := d.abs(path)
	if !d.AllowExternal {
		if err := d.confine(abs); err != nil {
			return Artifact{}, errs.Wrap(err, errs.CodeArtifactInvalid, "artifact is not readable from the Library", errs.FieldPath(path))
		}
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, errs.New(errs.CodeArtifactMissing, "artifact does not exist", errs.FieldPath(path))
		}
		return Artifact{}, errs.Wrap(err, errs.CodeArtifactInvalid, "cannot stat artifact", errs.FieldPath(path))
	}
	if info.IsDir() {
		return Artifact{}, errs.New(errs.CodeArtifactInvalid, "artifact path is a directory", errs.FieldPath(path))
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return Artifact{}, errs.Wrap(err, errs.CodeArtifactInvalid, "cannot read artifact", errs.FieldPath(path))
	}
	return Artifact{Path: d.rel(abs), Content: string(b), ModTime: info.ModTime()}, nil
}

// List walks every root for artifacts, skipping hidden directories. Missing
// roots are ignored. The result is sorted and free of duplicates.
func (d *DirSource) List(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	for _, root := range d.Roots {
		dir := d.abs(root)
		info, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errs.Wrap(err, errs.CodeArtifactInvalid, "cannot stat root", errs.FieldPath(dir))
		}
		if !info.IsDir() {
			continue
		}
		walkFn := func(path string, de fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if de.IsDir() {
				if path != dir && strings.HasPrefix(de.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if !IsArtifact(path) {
				return nil
			}
			rel := d.rel(path)
			if _, ok := seen[rel]; !ok {
				seen[rel] = struct{}{}
				out = append(out, rel)
			}
			return nil
		}
		if err := filepath.WalkDir(dir, walkFn); err != nil {
			return nil, errs.Wrap(err, errs.CodeArtifactInvalid, "cannot scan root", errs.FieldPath(dir))
		}
	}
	sort.Strings(out)
	return out, nil
}

// IsArtifact reports whether path names an artifact file.
func IsArtifact(path string) bool {
	name := filepath.Base(path)
	return !strings.HasPrefix(name, ".") && strings.EqualFold(filepath.Ext(name), ArtifactExt)
}

func (d *DirSource) abs(path string) string {
	if filepath.IsAbs(path) || d.Base == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(d.Base, filepath.FromSlash(path))
}

func (d *DirSource) rel(abs string) string {
	if d.Base == "" {
		return filepath.ToSlash(abs)
	}
	rel, err := filepath.Rel(d.Base, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

// confine fails unless abs names an artifact file inside the Library roots.
func (d *DirSource) confine(abs string) error {
	if !IsArtifact(abs) {
		return fmt.Errorf("not a %s artifact", ArtifactExt)
	}
	if d.Base == "" {
		return fmt.Errorf("library_path is not set")
	}
	roots := d.Roots
	if len(roots) == 0 {
		roots = []string{"."}
	}
	target := resolve(abs)
	for _, root := range roots {
		if within(resolve(d.abs(root)), target) {
			return nil
		}
	}
	return fmt.Errorf("path is outside the Library roots")
}

// resolve evaluates symlinks in the longest existing prefix of p, so a path
// to a file that does not exist yet still compares against resolved roots.
func resolve(p string) string {
	p = filepath.Clean(p)
	var rest []string
	for {
		if r, err := filepath.EvalSymlinks(p); err == nil {
			return filepath.Join(append([]string{r}, rest...)...)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return filepath.Join(append([]string{p}, rest...)...)
		}
		rest = append([]string{filepath.Base(p)}, rest...)
		p = parent
	}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
