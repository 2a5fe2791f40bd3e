package location

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

const sheetName = "Locations"

// Spreadsheet columns. Import finds columns by header, so order and extra
// columns do not matter.
const (
	colKey           = "key"
	colParentKey     = "parent_key"
	colUUID          = "uuid"
	colParent        = "parent"
	colParentODSCode = "parent_ods_code"
	colLocationType  = "location_type"
	colTypeName      = "location_type_name"
	colDisplayName   = "display_name"
	colODSCode       = "ods_code"
	colActive        = "active"
	colScoreSystem   = "score_system_default"
	colAddressLine1  = "address_line_1"
	colAddressLine2  = "address_line_2"
	colAddressLine3  = "address_line_3"
	colAddressLine4  = "address_line_4"
	colPostcode      = "postcode"
	colCountry       = "country"
	colLocality      = "locality"
	colRegion        = "region"
)

var exportColumns = []string{
	colUUID, colParent, colLocationType, colTypeName, colDisplayName, colODSCode, colActive,
	colScoreSystem, colAddressLine1, colAddressLine2, colAddressLine3, colAddressLine4,
	colPostcode, colCountry, colLocality, colRegion,
}

// ReadSpreadsheet parses the first sheet of an XLSX workbook into bulk
// entries, one per non-empty data row. Location types may be given by code
// or name.
func ReadSpreadsheet(r io.Reader, types *TypeHierarchy) ([]BulkEntry, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, invalid("file", "cannot read workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return nil, fmt.Errorf("read sheet: %w", err)
	}
	if len(rows) < 2 {
		return nil, invalid("file", "workbook has no data rows")
	}

	header := make(map[string]int)
	for i, h := range rows[0] {
		header[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := header[colLocationType]; !ok {
		return nil, invalid("file", "missing %s column", colLocationType)
	}
	if _, ok := header[colDisplayName]; !ok {
		return nil, invalid("file", "missing %s column", colDisplayName)
	}

	var entries []BulkEntry
	var vs violations
	for _, row := range rows[1:] {
		get := func(col string) string {
			if i, ok := header[col]; ok && i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}
		opt := func(col string) *string {
			if v := get(col); v != "" {
				return &v
			}
			return nil
		}
		if strings.TrimSpace(strings.Join(row, "")) == "" {
			continue
		}

		index := len(entries)
		e := BulkEntry{Key: get(colKey), ParentKey: get(colParentKey)}
		parseID := func(col string) *uuid.UUID {
			v := get(col)
			if v == "" {
				return nil
			}
			id, err := uuid.Parse(v)
			if err != nil {
				vs.add(index, e.Key, col, "invalid uuid %q", v)
				return nil
			}
			return &id
		}
		e.ID = parseID(colUUID)
		e.ParentID = parseID(colParent)
		e.ParentODSCode = opt(colParentODSCode)
		e.LocationType = get(colLocationType)
		if code, ok := types.Resolve(e.LocationType); ok {
			e.LocationType = code
		}
		e.DisplayName = get(colDisplayName)
		e.ODSCode = opt(colODSCode)
		if v := get(colActive); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				vs.add(index, e.Key, colActive, "invalid boolean %q", v)
			} else {
				e.Active = &b
			}
		}
		e.ScoreSystemDefault = opt(colScoreSystem)
		e.Address = Address{
			AddressLine1: opt(colAddressLine1),
			AddressLine2: opt(colAddressLine2),
			AddressLine3: opt(colAddressLine3),
			AddressLine4: opt(colAddressLine4),
			Postcode:     opt(colPostcode),
			Country:      opt(colCountry),
			Locality:     opt(colLocality),
			Region:       opt(colRegion),
		}
		entries = append(entries, e)
	}
	if err := vs.err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// WriteSpreadsheet writes locs as a single-sheet workbook that
// ReadSpreadsheet can load back.
func WriteSpreadsheet(w io.Writer, locs []*Location, types *TypeHierarchy) error {
	f := excelize.NewFile()
	defer f.Close()

	idx, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("delete default sheet: %w", err)
	}

	last, _ := excelize.ColumnNumberToName(len(exportColumns))
	_ = f.SetColWidth(sheetName, "A", last, 20)
	headerStyle, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})

	header := make([]interface{}, len(exportColumns))
	for i, c := range exportColumns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	_ = f.SetCellStyle(sheetName, "A1", last+"1", headerStyle)

	str := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	for i, l := range locs {
		parent := ""
		if l.ParentID != nil {
			parent = l.ParentID.String()
		}
		row := []interface{}{
			l.ID.String(), parent, l.LocationType, types.Name(l.LocationType), l.DisplayName,
			str(l.ODSCode), strconv.FormatBool(l.Active), str(l.ScoreSystemDefault),
			str(l.AddressLine1), str(l.AddressLine2), str(l.AddressLine3), str(l.AddressLine4),
			str(l.Postcode), str(l.Country), str(l.Locality), str(l.Region),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// ImportHierarchy bulk-creates the locations of an XLSX workbook.
func (s *Service) ImportHierarchy(ctx context.Context, r io.Reader) ([]*Location, error) {
	entries, err := ReadSpreadsheet(r, s.types)
	if err != nil {
		return nil, err
	}
	return s.BulkCreateLocations(ctx, entries)
}

// ExportHierarchy writes the locations matching c as an XLSX workbook.
func (s *Service) ExportHierarchy(ctx context.Context, w io.Writer, c Criteria) error {
	c.Compact, c.Children = false, false
	views, err := s.SearchLocations(ctx, c)
	if err != nil {
		return err
	}
	locs := make([]*Location, len(views))
	for i, v := range views {
		locs[i] = v.Location
	}
	return WriteSpreadsheet(w, locs, s.types)
}
