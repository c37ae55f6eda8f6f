// Package notebook loads notebook documents: an [engine] configuration table
// and an ordered list of [[cell]] entries.
package notebook

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/timewinder-dev/notebook/engine"
	"github.com/timewinder-dev/notebook/eval"
)

type Notebook struct {
	Title     string        `toml:"title,omitempty"`
	Engine    engine.Config `toml:"engine"`
	Telemetry Telemetry     `toml:"telemetry,omitempty"`
	Cells     []Cell        `toml:"cell"`
}

type Telemetry struct {
	Endpoint string `toml:"endpoint,omitempty"`
	Service  string `toml:"service,omitempty"`
}

type Cell struct {
	ID     string `toml:"id"`
	Source string `toml:"source"`
	// Expect is the output the cell should end up with.
	Expect string `toml:"expect,omitempty"`
	// ExpectError is the failure kind the cell should end up with
	// ("parse", "evaluate" or "timeout").
	ExpectError string `toml:"expect_error,omitempty"`
}

func parseNotebook(f io.Reader) (*Notebook, error) {
	out := Notebook{Engine: engine.DefaultConfig()}
	if _, err := toml.NewDecoder(f).Decode(&out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadFromFile reads a notebook. A relative cache_file is resolved against
// the notebook's directory, and the title defaults to the file name.
func LoadFromFile(path string) (*Notebook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	n, err := parseNotebook(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if n.Title == "" {
		n.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if n.Engine.CacheFile != "" && !filepath.IsAbs(n.Engine.CacheFile) {
		n.Engine.CacheFile = filepath.Clean(filepath.Join(filepath.Dir(path), n.Engine.CacheFile))
	}
	return n, nil
}

var ErrInvalidNotebook = errors.New("invalid notebook")

// Validate checks that every cell has a unique id.
func (n *Notebook) Validate() error {
	seen := make(map[string]bool, len(n.Cells))
	for i, c := range n.Cells {
		if c.ID == "" {
			return fmt.Errorf("%w: cell %d has no id", ErrInvalidNotebook, i)
		}
		if seen[c.ID] {
			return fmt.Errorf("%w: duplicate cell id %q", ErrInvalidNotebook, c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}

// Store creates an item store holding the cells in document order.
func (n *Notebook) Store() *engine.MemoryStore {
	s := engine.NewMemoryStore()
	for _, c := range n.Cells {
		s.Set(c.ID, c.Source)
	}
	return s
}

// BuildEngine creates an engine over a fresh store of the cells.
func (n *Notebook) BuildEngine(opts ...engine.Option) (*engine.Engine, *engine.MemoryStore, error) {
	store := n.Store()
	e, err := engine.New(n.Engine, store, opts...)
	if err != nil {
		return nil, nil, err
	}
	return e, store, nil
}

// Mismatch is a cell whose result differs from its expectation.
type Mismatch struct {
	CellID string
	Want   string
	Got    string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: want %s, got %s", m.CellID, m.Want, m.Got)
}

// Check compares the items against the cells' expectations.
func (n *Notebook) Check(items engine.ItemStore) []Mismatch {
	var out []Mismatch
	for _, c := range n.Cells {
		if c.Expect == "" && c.ExpectError == "" {
			continue
		}
		item, ok := items.Item(c.ID)
		if !ok {
			out = append(out, Mismatch{CellID: c.ID, Want: "a cell", Got: "nothing"})
			continue
		}
		got := describe(item)
		switch {
		case c.ExpectError != "":
			if item.LastError == nil || eval.KindOf(item.LastError).String() != c.ExpectError {
				out = append(out, Mismatch{CellID: c.ID, Want: c.ExpectError + " error", Got: got})
			}
		case item.LastError != nil || !item.HasOutput || item.Output != c.Expect:
			out = append(out, Mismatch{CellID: c.ID, Want: c.Expect, Got: got})
		}
	}
	return out
}

func describe(item engine.WorkItem) string {
	switch {
	case item.LastError != nil:
		return fmt.Sprintf("%s error (%v)", eval.KindOf(item.LastError), item.LastError)
	case item.HasOutput:
		return item.Output
	}
	return item.Status.String()
}
