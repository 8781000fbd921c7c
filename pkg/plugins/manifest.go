package plugins

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ManifestFile = "plugins.yaml"

	GenericManufacturer = "Generic-x86"
	GenericProduct      = "X86-64"
)

// Inventory reports the platform identifiers that select a manifest.
type Inventory interface {
	Manufacturer(ctx context.Context) (string, error)
	Product(ctx context.Context) (string, error)
}

// DMIInventory reads identifiers with dmidecode.
type DMIInventory struct {
	// Paths searched for the dmidecode binary, in order.
	Paths   []string
	Timeout time.Duration
}

var defaultDMIPaths = []string{
	"/usr/sbin/dmidecode",
	"/sbin/dmidecode",
	"/bin/dmidecode",
	"/usr/bin/dmidecode",
}

var errNoDMIDecode = errors.New("dmidecode not found")

func (d DMIInventory) Manufacturer(ctx context.Context) (string, error) {
	return d.query(ctx, "system-manufacturer")
}

func (d DMIInventory) Product(ctx context.Context) (string, error) {
	return d.query(ctx, "system-product-name")
}

func (d DMIInventory) binary() (string, error) {
	paths := d.Paths
	if len(paths) == 0 {
		paths = defaultDMIPaths
	}
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() && fi.Mode()&0o111 != 0 {
			return p, nil
		}
	}
	return "", errNoDMIDecode
}

func (d DMIInventory) query(ctx context.Context, keyword string) (string, error) {
	bin, err := d.binary()
	if err != nil {
		return "", err
	}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-s", keyword)
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%s -s %s: timed out after %s", bin, keyword, timeout)
		}
		return "", fmt.Errorf("%s -s %s: %w", bin, keyword, err)
	}
	v := strings.TrimSpace(stdout.String())
	if v == "" {
		return "", fmt.Errorf("%s -s %s: empty output", bin, keyword)
	}
	return v, nil
}

// ManifestPath returns the platform manifest under dir, or the generic one
// when the inventory cannot name the platform or no platform file exists.
func ManifestPath(ctx context.Context, dir string, inv Inventory) string {
	generic := filepath.Join(dir, GenericManufacturer, GenericProduct, ManifestFile)
	if inv == nil {
		return generic
	}
	manuf, err := inv.Manufacturer(ctx)
	if err != nil {
		return generic
	}
	product, err := inv.Product(ctx)
	if err != nil {
		return generic
	}
	p := filepath.Join(dir, manuf, product, ManifestFile)
	if _, err := os.Stat(p); err != nil {
		return generic
	}
	return p
}

// ParseManifest returns the plugin names listed in data, in order. A YAML
// sequence is the normal form; anything else is read as one name per line
// with '#' comments.
func ParseManifest(data []byte) []string {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err == nil {
		var names []string
		collectScalars(&root, &names)
		if len(names) > 1 || isSequence(&root) {
			return names
		}
	}
	return parseLines(data)
}

func isSequence(n *yaml.Node) bool {
	if n.Kind == yaml.DocumentNode && len(n.Content) == 1 {
		n = n.Content[0]
	}
	return n.Kind == yaml.SequenceNode
}

func collectScalars(n *yaml.Node, out *[]string) {
	if n.Kind == yaml.ScalarNode {
		if v := strings.TrimSpace(n.Value); v != "" {
			*out = append(*out, v)
		}
		return
	}
	for _, c := range n.Content {
		collectScalars(c, out)
	}
}

func parseLines(data []byte) []string {
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line != "" {
			names = append(names, line)
		}
	}
	return names
}

// ReadManifest loads the manifest at path. A missing file yields no names
// and no error.
func ReadManifest(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	return ParseManifest(data), nil
}
