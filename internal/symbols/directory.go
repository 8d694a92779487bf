// Package symbols loads the static code->name universe used for scanning.
package symbols

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Entry is one listed stock from the universe file.
type Entry struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Market string `json:"market"`
}

type universeFile struct {
	TotalStocks  int     `json:"total_stocks"`
	MarketFilter string  `json:"market_filter"`
	Stocks       []Entry `json:"stocks"`
}

// Directory is an immutable code->entry map built once at startup.
// Reads are safe from any goroutine.
type Directory struct {
	entries map[string]Entry
	codes   []string
}

// Load reads the universe JSON and keeps tradable entries matching
// marketFilter ("" or "ALL" keeps every market).
func Load(path, marketFilter string) (*Directory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read universe file: %w", err)
	}

	var file universeFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse universe file %s: %w", path, err)
	}

	d := &Directory{entries: make(map[string]Entry, len(file.Stocks))}
	for _, e := range file.Stocks {
		if !Tradable(e) {
			continue
		}
		if !matchMarket(e.Market, marketFilter) {
			continue
		}
		if _, dup := d.entries[e.Code]; dup {
			continue
		}
		d.entries[e.Code] = e
		d.codes = append(d.codes, e.Code)
	}
	if len(d.codes) == 0 {
		return nil, fmt.Errorf("universe file %s: no tradable entries", path)
	}
	return d, nil
}

// FromEntries builds a directory from in-memory entries, applying the
// same tradability filter as Load.
func FromEntries(entries []Entry) *Directory {
	d := &Directory{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if !Tradable(e) {
			continue
		}
		if _, dup := d.entries[e.Code]; dup {
			continue
		}
		d.entries[e.Code] = e
		d.codes = append(d.codes, e.Code)
	}
	return d
}

// Tradable reports whether the entry is an ordinary listed share:
// a numeric 6-digit code whose name lacks the preferred-share marker.
func Tradable(e Entry) bool {
	if len(e.Code) != 6 {
		return false
	}
	for _, r := range e.Code {
		if r < '0' || r > '9' {
			return false
		}
	}
	if strings.Contains(e.Name, "우") {
		return false
	}
	return e.Name != ""
}

func matchMarket(market, filter string) bool {
	if filter == "" || strings.EqualFold(filter, "ALL") {
		return true
	}
	return strings.EqualFold(market, filter)
}

// Name returns the listed name for code, or "" when unknown.
func (d *Directory) Name(code string) string {
	return d.entries[code].Name
}

// Has reports whether code is in the filtered universe.
func (d *Directory) Has(code string) bool {
	_, ok := d.entries[code]
	return ok
}

// Codes returns the universe codes in file order.
func (d *Directory) Codes() []string {
	out := make([]string, len(d.codes))
	copy(out, d.codes)
	return out
}

// Len is the number of tradable entries kept after filtering.
func (d *Directory) Len() int {
	return len(d.codes)
}
