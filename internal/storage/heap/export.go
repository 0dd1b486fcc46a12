// Licensed under the MIT License. See LICENSE file in the project root for details.

package heap

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
)

// RegionInfo describes one region in a region map dump.
type RegionInfo struct {
	Index     int     `json:"index"`
	State     string  `json:"state"`
	Committed bool    `json:"committed"`
	EmptyTime float64 `json:"empty_time,omitempty"` // only set for empty-committed regions
}

// Regions returns a snapshot of the region table taken without the lock.
func (h *Heap) Regions() []RegionInfo {
	infos := make([]RegionInfo, len(h.regions))
	for i, r := range h.regions {
		s := r.State()
		infos[i] = RegionInfo{
			Index:     i,
			State:     s.String(),
			Committed: s != EmptyUncommitted,
		}
		if s == EmptyCommitted {
			infos[i].EmptyTime = r.EmptyTime()
		}
	}
	return infos
}

// WriteCSV writes the region map as CSV with a header row.
func (h *Heap) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"index", "state", "committed", "empty_time"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}
	for _, info := range h.Regions() {
		emptyTime := ""
		if info.State == EmptyCommitted.String() {
			emptyTime = strconv.FormatFloat(info.EmptyTime, 'f', 6, 64)
		}
		record := []string{
			strconv.Itoa(info.Index),
			info.State,
			strconv.FormatBool(info.Committed),
			emptyTime,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write region %d: %v", info.Index, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the heap stats and region map as one JSON document.
func (h *Heap) WriteJSON(w io.Writer) error {
	doc := struct {
		Stats   Stats        `json:"stats"`
		Regions []RegionInfo `json:"regions"`
	}{
		Stats:   h.Stats(),
		Regions: h.Regions(),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// ExportCSV writes the region map to a CSV file.
func (h *Heap) ExportCSV(filename string) error {
	return exportFile(filename, h.WriteCSV)
}

// ExportJSON writes the heap stats and region map to a JSON file.
func (h *Heap) ExportJSON(filename string) error {
	return exportFile(filename, h.WriteJSON)
}

func exportFile(filename string, write func(io.Writer) error) error {
	file, err := os.Create(filename) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to create file %s: %v", filename, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err := write(writer); err != nil {
		return err
	}
	return writer.Flush()
}
