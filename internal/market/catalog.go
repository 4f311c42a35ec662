package market

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// InstrumentType groups instruments the way the trading UI presents them.
type InstrumentType string

const (
	TypeFutures     InstrumentType = "FUTURES"
	TypeForex       InstrumentType = "FOREX"
	TypeStocks      InstrumentType = "STOCKS"
	TypeCommodities InstrumentType = "COMMODITIES"
)

func (t InstrumentType) valid() bool {
	switch t {
	case TypeFutures, TypeForex, TypeStocks, TypeCommodities:
		return true
	}
	return false
}

// Instrument is a tradable symbol.
type Instrument struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Type      InstrumentType  `json:"type"`
	BasePrice decimal.Decimal `json:"base_price"`
}

// Catalog is the set of instruments the platform accepts orders for.
type Catalog struct {
	items map[string]Instrument
	order []string
}

//go:embed instruments.yaml
var defaultCatalogYAML []byte

type catalogFile struct {
	Instruments []struct {
		ID        string `yaml:"id"`
		Name      string `yaml:"name"`
		Type      string `yaml:"type"`
		BasePrice string `yaml:"base_price"`
	} `yaml:"instruments"`
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded instrument catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes catalog YAML and validates every entry.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Instruments) == 0 {
		return nil, fmt.Errorf("catalog has no instruments")
	}

	c := &Catalog{items: make(map[string]Instrument, len(f.Instruments))}
	for i, raw := range f.Instruments {
		id := strings.TrimSpace(raw.ID)
		if id == "" {
			return nil, fmt.Errorf("instrument #%d: missing id", i)
		}
		if _, dup := c.items[id]; dup {
			return nil, fmt.Errorf("instrument %s: duplicate id", id)
		}
		typ := InstrumentType(strings.ToUpper(strings.TrimSpace(raw.Type)))
		if !typ.valid() {
			return nil, fmt.Errorf("instrument %s: unknown type %q", id, raw.Type)
		}
		base, err := decimal.NewFromString(raw.BasePrice)
		if err != nil {
			return nil, fmt.Errorf("instrument %s: base_price: %w", id, err)
		}
		if !base.IsPositive() {
			return nil, fmt.Errorf("instrument %s: base_price must be positive", id)
		}
		c.items[id] = Instrument{ID: id, Name: raw.Name, Type: typ, BasePrice: base}
		c.order = append(c.order, id)
	}
	return c, nil
}

// Lookup returns the instrument with the given id.
func (c *Catalog) Lookup(id string) (Instrument, bool) {
	inst, ok := c.items[id]
	return inst, ok
}

// List returns instruments in catalog order.
func (c *Catalog) List() []Instrument {
	out := make([]Instrument, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}

// IDs returns instrument ids in catalog order.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.order...)
}
