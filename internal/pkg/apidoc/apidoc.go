package apidoc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gofiber/fiber/v2/log"
)

// DefaultPath is the OpenAPI document relative to the project root.
const DefaultPath = "public/docs/v1/openapi.yml"

// ErrNotFound is returned when no candidate base path holds the document.
var ErrNotFound = errors.New("apidoc: openapi document not found")

// Locate returns the first base path + DefaultPath that exists.
func Locate(basePaths ...string) (string, error) {
	for _, base := range basePaths {
		p := filepath.Join(base, DefaultPath)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", ErrNotFound
}

// Load parses and validates the document so a broken one fails at boot
// instead of in the Swagger UI.
func Load(path string) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	log.Infof("[APIDoc] Loaded %s %s with %d paths", doc.Info.Title, doc.Info.Version, doc.Paths.Len())
	return doc, nil
}

// Operations lists "METHOD /path" for every documented operation, with
// OpenAPI path params rewritten to fiber's :param form.
func Operations(doc *openapi3.T) []string {
	var ops []string
	for path, item := range doc.Paths.Map() {
		for method := range item.Operations() {
			ops = append(ops, method+" "+fiberPath(path))
		}
	}
	sort.Strings(ops)
	return ops
}

func fiberPath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			parts[i] = ":" + strings.TrimSuffix(strings.TrimPrefix(p, "{"), "}")
		}
	}
	return strings.Join(parts, "/")
}
