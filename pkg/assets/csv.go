// Package assets imports the asset inventory.
package assets

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/threatlens/threatscan/pkg/intel"
	"github.com/threatlens/threatscan/pkg/processor"
)

// columns maps accepted header names onto asset fields.
var columns = map[string]func(a *intel.Asset, v string){
	"asset_name":          func(a *intel.Asset, v string) { a.Name = v },
	"name":                func(a *intel.Asset, v string) { a.Name = v },
	"asset_type":          func(a *intel.Asset, v string) { a.Type = v },
	"type":                func(a *intel.Asset, v string) { a.Type = v },
	"department":          func(a *intel.Asset, v string) { a.Department = v },
	"location":            func(a *intel.Asset, v string) { a.Location = v },
	"operating_system":    func(a *intel.Asset, v string) { a.OperatingSystem = v },
	"os_version":          func(a *intel.Asset, v string) { a.OSVersion = v },
	"software_installed":  func(a *intel.Asset, v string) { a.Software = ParseSoftware(v) },
	"ip_address":          func(a *intel.Asset, v string) { a.IPAddress = v },
	"domain":              func(a *intel.Asset, v string) { a.Domain = v },
	"cpe_identifier":      func(a *intel.Asset, v string) { a.CPE = v },
	"cpe":                 func(a *intel.Asset, v string) { a.CPE = v },
	"criticality":         func(a *intel.Asset, v string) { a.Criticality = v },
	"data_classification": func(a *intel.Asset, v string) { a.DataClassification = v },
}

// ReadCSV parses an inventory export with a header row. asset_id and a name
// column are required; unknown columns are ignored.
func ReadCSV(r io.Reader) ([]intel.Asset, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty inventory")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	idCol := -1
	setters := make([]func(*intel.Asset, string), len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if name == "asset_id" {
			idCol = i
			continue
		}
		setters[i] = columns[name]
	}
	if idCol < 0 {
		return nil, fmt.Errorf("inventory has no asset_id column")
	}

	var out []intel.Asset
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if idCol >= len(row) {
			return nil, fmt.Errorf("line %d: missing asset_id", line)
		}

		id, err := processor.ParseAssetID(row[idCol])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		a := intel.Asset{ID: id}
		for i, v := range row {
			if i < len(setters) && setters[i] != nil {
				setters[i](&a, strings.TrimSpace(v))
			}
		}
		if a.Name == "" {
			return nil, fmt.Errorf("line %d: asset %d has no name", line, id)
		}
		out = append(out, a)
	}
	return out, nil
}

// ParseSoftware splits a semicolon-separated software list.
func ParseSoftware(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
