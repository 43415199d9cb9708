// Package output exports PLC snapshots as JSON or CSV.
package output

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"plcrpc/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WriteJSON writes snapshots as an indented JSON array.
func WriteJSON(w io.Writer, snaps []model.PLCSnapshot) error {
	b, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if _, err := w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// WriteCSV flattens snapshots into one row per sensor, sorted by sensor name.
// Columns: plc,slave_id,sensor,register_type,data_address,value,timestamp
// Boolean values are written as 0 or 1.
func WriteCSV(w io.Writer, snaps []model.PLCSnapshot) error {
	cw := csv.NewWriter(w)
	headers := []string{"plc", "slave_id", "sensor", "register_type", "data_address", "value", "timestamp"}
	if err := cw.Write(headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, s := range snaps {
		names := make([]string, 0, len(s.Sensors))
		for name := range s.Sensors {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sn := s.Sensors[name]
			rec := []string{
				s.PLC,
				strconv.Itoa(s.SlaveID),
				name,
				string(sn.RegisterType),
				strconv.Itoa(sn.DataAddress),
				strconv.FormatInt(sn.Value.Int(), 10),
				timeToRFC3339(s.Timestamp),
			}
			if err := cw.Write(rec); err != nil {
				return fmt.Errorf("write record: %w", err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveFile writes snapshots to path, choosing the format from the extension
// (.csv, anything else is JSON).
func SaveFile(path string, snaps []model.PLCSnapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	write := WriteJSON
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		write = WriteCSV
	}
	if err := write(f, snaps); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func timeToRFC3339(t time.Time) string { return t.Format(time.RFC3339Nano) }
