package engine

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// RangeUnits builds the unit list for a numeric ID range over the detail
// page URL, ordered ascending.
func RangeUnits(baseURL string, startID, endID int) []WorkUnit {
	if endID < startID {
		return nil
	}
	units := make([]WorkUnit, 0, endID-startID+1)
	for id := startID; id <= endID; id++ {
		units = append(units, WorkUnit{
			ID:  strconv.Itoa(id),
			URL: baseURL + strconv.Itoa(id),
		})
	}
	return units
}

// UnitsFromCSV reads a unit list from a CSV of `unit_id[,url]` rows, as
// produced by a listing-phase crawl or an operator-supplied spreadsheet
// export. A missing url column falls back to baseURL + id. A header row
// whose first cell is "unit_id" is skipped.
func UnitsFromCSV(path, baseURL string) ([]WorkUnit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open unit list: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var units []WorkUnit
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read unit list: %w", err)
		}
		if len(row) == 0 || row[0] == "" || row[0] == "unit_id" {
			continue
		}
		u := WorkUnit{ID: row[0]}
		if len(row) > 1 && row[1] != "" {
			u.URL = row[1]
		} else {
			u.URL = baseURL + u.ID
		}
		units = append(units, u)
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("unit list %s is empty", path)
	}
	return units, nil
}
