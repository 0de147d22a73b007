// Package localfs implements the source ports against local files: a
// department-per-directory document tree and a JSON mailbox export. It
// stands in for the agency's SharePoint and Exchange connectors in
// development and test deployments.
package localfs

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/iaintheardofu/Tronas/internal/port/source"
)

// DocumentSource searches a directory tree. The first path segment under the
// root is treated as the owning department.
type DocumentSource struct {
	root string
}

// NewDocumentSource creates a source over the given root directory.
func NewDocumentSource(root string) *DocumentSource {
	return &DocumentSource{root: root}
}

// Search walks the tree and returns artifacts whose name matches any filter
// term, restricted by department and modification date when given. An empty
// term list matches everything.
func (s *DocumentSource) Search(ctx context.Context, filters source.Filters) ([]source.Artifact, error) {
	var artifacts []source.Artifact

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		dept := departmentOf(rel)
		if !matchDepartment(dept, filters.Departments) {
			return nil
		}
		if !matchTerms(d.Name(), filters.Terms) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if filters.DateFrom != nil && info.ModTime().Before(*filters.DateFrom) {
			return nil
		}
		if filters.DateTo != nil && info.ModTime().After(*filters.DateTo) {
			return nil
		}

		artifacts = append(artifacts, source.Artifact{
			Ref:      rel,
			Name:     d.Name(),
			Source:   dept,
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	return artifacts, nil
}

// Fetch reads the artifact by its search ref. Refs escaping the root are
// rejected.
func (s *DocumentSource) Fetch(ctx context.Context, ref string) (*source.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	clean := filepath.Clean(ref)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("fetch %s: ref outside root", ref)
	}

	data, err := os.ReadFile(filepath.Join(s.root, clean)) //nolint:gosec // G304: ref is confined to root above
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(clean))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &source.Content{Data: data, MIMEType: mimeType}, nil
}

func departmentOf(rel string) string {
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	if len(parts) == 2 {
		return parts[0]
	}
	return ""
}

func matchDepartment(dept string, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		if strings.EqualFold(dept, w) {
			return true
		}
	}
	return false
}

func matchTerms(name string, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, t := range terms {
		if strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
