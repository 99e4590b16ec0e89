// Package manifest edits single fields of Kubernetes manifests in place.
//
// Documents are held as yaml.v3 node trees, so a read-modify-write keeps
// every other field, the key order and comments intact. Replacing an
// existing single-line scalar rewrites only that scalar's text in the
// original bytes. Edits that change the structure, such as adding a key,
// re-encode the whole document with two-space indentation, which also
// indents block sequences under their key.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Document is one parsed YAML document.
type Document struct {
	root *yaml.Node
	src  []byte

	edits    map[*yaml.Node]splice
	reencode bool
}

// splice replaces the raw text of one scalar in src.
type splice struct {
	line, offset int // 0-based line, byte offset within it
	old, new     string
}

// Parse decodes exactly one YAML document.
func Parse(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var root yaml.Node
	if err := dec.Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty document")
		}
		return nil, err
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("multiple documents are not supported")
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) != 1 || root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("top level is not a mapping")
	}
	return &Document{root: &root, src: data}, nil
}

// Read parses the manifest at path.
func Read(path string) (*Document, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from config
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return doc, nil
}

// Bytes returns the document. Scalar replacements are applied to the
// original text; anything else is encoded with two-space indentation.
func (d *Document) Bytes() ([]byte, error) {
	if !d.reencode && d.src != nil {
		return d.applySplices(), nil
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d.root); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write replaces path with doc atomically: a temp file in the same
// directory is written and renamed over the target. The original file mode
// is kept.
func Write(path string, doc *Document) error {
	data, err := doc.Bytes()
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	tmpName = ""
	return nil
}

// lookup walks path. With create set, a missing final key is appended to
// its mapping; missing intermediate keys are always an error.
func (d *Document) lookup(path FieldPath, create bool) (*yaml.Node, error) {
	node := d.root.Content[0]
	for i, seg := range path.segments {
		if node.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%s: %q is not inside a mapping", path, seg.Key)
		}
		next := mappingValue(node, seg.Key)
		if next == nil {
			last := i == len(path.segments)-1 && len(seg.Indexes) == 0
			if !create || !last {
				return nil, fmt.Errorf("%s: key %q not found", path, seg.Key)
			}
			next = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str"}
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: seg.Key},
				next,
			)
		}
		for _, idx := range seg.Indexes {
			if next.Kind != yaml.SequenceNode {
				return nil, fmt.Errorf("%s: %q is not a sequence", path, seg.Key)
			}
			if idx >= len(next.Content) {
				return nil, fmt.Errorf("%s: index %d out of range (len %d)", path, idx, len(next.Content))
			}
			next = next.Content[idx]
		}
		node = next
	}
	if node.Kind != yaml.ScalarNode {
		return nil, fmt.Errorf("%s: not a scalar", path)
	}
	return node, nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// Get returns the scalar at path.
func (d *Document) Get(path FieldPath) (string, error) {
	node, err := d.lookup(path, false)
	if err != nil {
		return "", err
	}
	return node.Value, nil
}

// Set stores value as a string scalar at path.
func (d *Document) Set(path FieldPath, value string) error {
	node, err := d.lookup(path, false)
	if err == nil {
		d.recordSplice(node, value)
	} else {
		if node, err = d.lookup(path, true); err != nil {
			return err
		}
		d.reencode = true
	}
	node.Value = value
	node.Tag = "!!str"
	if node.Style&(yaml.DoubleQuotedStyle|yaml.SingleQuotedStyle) == 0 && !plainSafe(value) {
		node.Style = yaml.DoubleQuotedStyle
	}
	return nil
}

// recordSplice notes a text replacement for node, or marks the document for
// re-encoding when node's source text cannot be located exactly.
func (d *Document) recordSplice(node *yaml.Node, value string) {
	if d.reencode || d.src == nil {
		return
	}
	if d.edits == nil {
		d.edits = make(map[*yaml.Node]splice)
	}
	sp, seen := d.edits[node]
	if !seen {
		var ok bool
		if sp, ok = d.locate(node); !ok {
			d.reencode = true
			return
		}
	}
	raw, ok := rawScalar(node.Style, value)
	if !ok {
		d.reencode = true
		return
	}
	sp.new = raw
	d.edits[node] = sp
}

// locate finds node's current text in src.
func (d *Document) locate(node *yaml.Node) (splice, bool) {
	raw, ok := node.Value, node.Value != "" && !strings.ContainsAny(node.Value, "\n\r")
	if node.Style != 0 {
		raw, ok = rawScalar(node.Style, node.Value)
	}
	if !ok || node.Line < 1 || node.Column < 1 {
		return splice{}, false
	}
	lines := strings.Split(string(d.src), "\n")
	if node.Line > len(lines) {
		return splice{}, false
	}
	line := lines[node.Line-1]
	runes := []rune(line)
	if node.Column-1 > len(runes) {
		return splice{}, false
	}
	offset := len(string(runes[:node.Column-1]))
	rest := line[offset:]
	if !strings.HasPrefix(rest, raw) {
		return splice{}, false
	}
	if after := rest[len(raw):]; after != "" && after[0] != ' ' && after[0] != '\t' && after[0] != '\r' {
		return splice{}, false
	}
	return splice{line: node.Line - 1, offset: offset, old: raw}, true
}

func (d *Document) applySplices() []byte {
	if len(d.edits) == 0 {
		return d.src
	}
	edits := make([]splice, 0, len(d.edits))
	for _, sp := range d.edits {
		edits = append(edits, sp)
	}
	// Right to left, so earlier offsets on a line stay valid.
	sort.Slice(edits, func(i, j int) bool {
		if edits[i].line != edits[j].line {
			return edits[i].line > edits[j].line
		}
		return edits[i].offset > edits[j].offset
	})
	lines := strings.Split(string(d.src), "\n")
	for _, sp := range edits {
		line := lines[sp.line]
		lines[sp.line] = line[:sp.offset] + sp.new + line[sp.offset+len(sp.old):]
	}
	return []byte(strings.Join(lines, "\n"))
}

// rawScalar renders value in style as it would appear on a single line.
// Plain values that would not read back as the same string get double
// quotes.
func rawScalar(style yaml.Style, value string) (string, bool) {
	switch style {
	case 0:
		if plainSafe(value) {
			return value, true
		}
		return rawScalar(yaml.DoubleQuotedStyle, value)
	case yaml.DoubleQuotedStyle:
		if strings.ContainsAny(value, `"\`) || strings.IndexFunc(value, unicode.IsControl) >= 0 {
			return "", false
		}
		return `"` + value + `"`, true
	case yaml.SingleQuotedStyle:
		if strings.ContainsRune(value, '\'') || strings.IndexFunc(value, unicode.IsControl) >= 0 {
			return "", false
		}
		return "'" + value + "'", true
	default:
		return "", false
	}
}

// plainSafe reports whether value reads back unchanged as an unquoted
// string scalar.
func plainSafe(value string) bool {
	if value == "" || strings.TrimSpace(value) != value || strings.ContainsAny(value, "\n\r") {
		return false
	}
	var decoded map[string]interface{}
	if err := yaml.Unmarshal([]byte("v: "+value), &decoded); err != nil {
		return false
	}
	s, ok := decoded["v"].(string)
	return ok && s == value
}

var imagePath = MustParseFieldPath(ImageField)

// Image returns the first container's image.
func (d *Document) Image() (string, error) {
	return d.Get(imagePath)
}

// SetImage sets the first container's image.
func (d *Document) SetImage(image string) error {
	return d.Set(imagePath, image)
}

// Patch sets one field of one manifest file.
type Patch struct {
	Path  string
	Field FieldPath
	Value string
}

// ImagePatch targets the first container's image in the manifest at path.
func ImagePatch(path, image string) Patch {
	return Patch{Path: path, Field: imagePath, Value: image}
}

// Apply performs p and reports whether the file changed. A field that
// already holds the value leaves the file untouched, formatting included.
func Apply(p Patch) (bool, error) {
	doc, err := Read(p.Path)
	if err != nil {
		return false, err
	}
	current, err := doc.Get(p.Field)
	if err == nil && current == p.Value {
		return false, nil
	}
	if err := doc.Set(p.Field, p.Value); err != nil {
		return false, fmt.Errorf("patch %s: %w", p.Path, err)
	}
	if err := Write(p.Path, doc); err != nil {
		return false, err
	}
	return true, nil
}

// FileName is the per-service manifest patched on promotion.
const FileName = "patch-deployment.yaml"

// Store applies patches inside a work tree laid out as
// <Root>/<environment>/<service>/patch-deployment.yaml.
type Store struct {
	Dir  string // work tree; relative patch paths resolve against it
	Root string // manifest root inside the work tree, e.g. "apps"
}

// RelPath returns the manifest path for env and service relative to Dir.
func (s Store) RelPath(env, service string) string {
	return filepath.Join(s.Root, env, service, FileName)
}

// Apply performs p, resolving a relative p.Path against Dir.
func (s Store) Apply(p Patch) (bool, error) {
	if !filepath.IsAbs(p.Path) {
		p.Path = filepath.Join(s.Dir, p.Path)
	}
	return Apply(p)
}
