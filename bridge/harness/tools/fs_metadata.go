package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rwcarlsen/goexif/exif"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness"
)

const (
	defaultMaxContentSize = 8192
	maxContentSizeLimit   = 1 << 20
	maxWalkDepth          = 4
)

// ErrOutsideRoot is returned for paths that resolve outside the tool's root.
var ErrOutsideRoot = errors.New("path escapes the configured root")

// FSMetadataArgs are the arguments of the fs_metadata tool.
type FSMetadataArgs struct {
	Path            string `json:"path" jsonschema:"description=File or directory path relative to the root"`
	IncludeContents bool   `json:"include_contents,omitempty" jsonschema:"default=false,description=Include contents of UTF-8 text files"`
	MaxContentSize  int    `json:"max_content_size,omitempty" jsonschema:"minimum=1,maximum=1048576,default=8192,description=Largest file in bytes whose contents are returned"`
	Recursive       bool   `json:"recursive,omitempty" jsonschema:"default=false,description=Describe nested entries of a directory"`
}

// FileMetadata describes a file or directory.
type FileMetadata struct {
	Path        string            `json:"path"`
	Name        string            `json:"name"`
	Type        string            `json:"type"` // "file" or "directory"
	Size        int64             `json:"size"`
	Permissions string            `json:"permissions"`
	ModifiedAt  time.Time         `json:"modified_at"`
	IsHidden    bool              `json:"is_hidden"`
	Extension   string            `json:"extension,omitempty"`
	MimeType    string            `json:"mime_type,omitempty"`
	Exif        map[string]string `json:"exif,omitempty"`
	Contents    string            `json:"contents,omitempty"`
	Children    []FileMetadata    `json:"children,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// FSMetadata inspects files below a fixed root. Entries matched by the root's
// .gitignore are left out of directory listings.
type FSMetadata struct {
	root    string
	ignored *ignore.GitIgnore
}

// NewFSMetadata creates the tool rooted at root.
func NewFSMetadata(root string) (*FSMetadata, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", abs)
	}

	t := &FSMetadata{root: abs}
	if gi, err := ignore.CompileIgnoreFile(filepath.Join(abs, ".gitignore")); err == nil {
		t.ignored = gi
	}
	return t, nil
}

// Definition returns the registry definition of the tool.
func (t *FSMetadata) Definition() harness.ToolDefinition {
	return harness.ToolDefinition{
		Name:        "fs_metadata",
		Description: "Describe a file or directory: size, permissions, type, and optionally text contents.",
		Schema:      ReflectSchema[FSMetadataArgs](),
		Handler:     Typed(t.Invoke),
	}
}

// Invoke describes args.Path. Stat failures are reported in the result rather than
// as a tool error so the model can correct the path.
func (t *FSMetadata) Invoke(ctx context.Context, args FSMetadataArgs) (any, error) {
	if args.Path == "" {
		return nil, errors.New("path is required")
	}
	maxSize := args.MaxContentSize
	if maxSize <= 0 {
		maxSize = defaultMaxContentSize
	}
	maxSize = min(maxSize, maxContentSizeLimit)

	full, err := t.resolve(args.Path)
	if err != nil {
		return nil, err
	}

	depth := 0
	if args.Recursive {
		depth = maxWalkDepth
	}
	md, err := t.describe(ctx, full, args.IncludeContents, maxSize, depth)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return FileMetadata{Path: args.Path, Error: err.Error()}, nil
	}
	return md, nil
}

func (t *FSMetadata) resolve(path string) (string, error) {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(t.root, full)
	}
	full = filepath.Clean(full)
	if resolved, err := filepath.EvalSymlinks(full); err == nil {
		full = resolved
	}

	rel, err := filepath.Rel(t.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return full, nil
}

func (t *FSMetadata) relative(full string) string {
	rel, err := filepath.Rel(t.root, full)
	if err != nil {
		return filepath.Base(full)
	}
	return filepath.ToSlash(rel)
}

func (t *FSMetadata) describe(ctx context.Context, full string, contents bool, maxSize, depth int) (FileMetadata, error) {
	if err := ctx.Err(); err != nil {
		return FileMetadata{}, err
	}

	info, err := os.Stat(full)
	if err != nil {
		return FileMetadata{}, fmt.Errorf("failed to stat path: %w", err)
	}

	md := FileMetadata{
		Path:        t.relative(full),
		Name:        info.Name(),
		Size:        info.Size(),
		Permissions: info.Mode().String(),
		ModifiedAt:  info.ModTime().UTC(),
		IsHidden:    strings.HasPrefix(info.Name(), "."),
	}

	if info.IsDir() {
		md.Type = "directory"
		if depth > 0 {
			children, err := t.children(ctx, full, contents, maxSize, depth-1)
			if err != nil {
				return md, err
			}
			md.Children = children
		}
		return md, nil
	}

	md.Type = "file"
	md.Extension = strings.ToLower(filepath.Ext(full))
	if md.Extension != "" {
		md.MimeType = mime.TypeByExtension(md.Extension)
	}
	if md.MimeType == "" {
		md.MimeType = "application/octet-stream"
	}

	switch md.Extension {
	case ".jpg", ".jpeg", ".tif", ".tiff":
		md.Exif = readExif(full)
	}

	if contents {
		text, err := readText(full, info.Size(), maxSize)
		if err != nil {
			md.Error = fmt.Sprintf("failed to read contents: %v", err)
		} else {
			md.Contents = text
		}
	}
	return md, nil
}

func (t *FSMetadata) children(ctx context.Context, dir string, contents bool, maxSize, depth int) ([]FileMetadata, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	out := make([]FileMetadata, 0, len(entries))
	for _, entry := range entries {
		child := filepath.Join(dir, entry.Name())
		if t.isIgnored(child, entry.IsDir()) {
			continue
		}

		md, err := t.describe(ctx, child, contents, maxSize, depth)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			md = FileMetadata{Path: t.relative(child), Name: entry.Name(), Error: err.Error()}
		}
		out = append(out, md)
	}
	return out, nil
}

// isIgnored matches gitignore rules; directory rules like "build/" need the trailing slash.
func (t *FSMetadata) isIgnored(full string, dir bool) bool {
	if t.ignored == nil {
		return false
	}
	rel := t.relative(full)
	if dir {
		rel += "/"
	}
	return t.ignored.MatchesPath(rel)
}

func readText(path string, size int64, maxSize int) (string, error) {
	if size > int64(maxSize) {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", size, maxSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(maxSize)))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", errors.New("not a UTF-8 text file")
	}
	return string(data), nil
}

func readExif(path string) map[string]string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return nil
	}

	out := map[string]string{}
	for _, field := range []exif.FieldName{exif.Make, exif.Model} {
		if tag, err := x.Get(field); err == nil {
			if s, err := tag.StringVal(); err == nil {
				out[strings.ToLower(string(field))] = strings.TrimSpace(s)
			}
		}
	}
	if taken, err := x.DateTime(); err == nil {
		out["taken_at"] = taken.Format(time.RFC3339)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
