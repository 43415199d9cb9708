// Command export dumps the recorded sensor history as JSON or CSV.
//
// Without -sensor it writes the latest reading of every sensor of each PLC
// as one snapshot per PLC; with -sensor it writes that sensor's history,
// newest first.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"plcrpc/internal/db"
	"plcrpc/internal/logging"
	"plcrpc/internal/model"
	"plcrpc/internal/output"
)

func main() {
	var (
		dbPath  = flag.String("db", "data/plcrpc.db", "path to sqlite history database")
		plcs    = flag.String("plc", "", "comma separated PLC ids (required)")
		sensor  = flag.String("sensor", "", "export the history of this sensor instead of the latest values")
		limit   = flag.Int("limit", 0, "max number of history rows (0 = no limit)")
		format  = flag.String("format", "json", "json | csv")
		outPath = flag.String("o", "", "output file; stdout when empty")
	)
	flag.Parse()
	logger := logging.New(os.Stderr, "info", "console")

	if err := run(*dbPath, *plcs, *sensor, *limit, *format, *outPath); err != nil {
		logger.Fatal().Err(err).Msg("export failed")
	}
}

func run(dbPath, plcList, sensor string, limit int, format, outPath string) error {
	if plcList == "" {
		return errors.New("-plc is required")
	}
	store, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snaps, err := collect(ctx, store, strings.Split(plcList, ","), sensor, limit)
	if err != nil {
		return err
	}
	if outPath != "" {
		return output.SaveFile(outPath, snaps)
	}
	switch strings.ToLower(format) {
	case "csv":
		return output.WriteCSV(os.Stdout, snaps)
	case "json":
		return output.WriteJSON(os.Stdout, snaps)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// collect turns history rows into snapshots. A sensor history yields one
// snapshot per row so each keeps its own timestamp.
func collect(ctx context.Context, store *db.DB, plcIDs []string, sensor string, limit int) ([]model.PLCSnapshot, error) {
	var snaps []model.PLCSnapshot
	for _, id := range plcIDs {
		id = strings.TrimSpace(id)
		if sensor != "" {
			rows, err := store.History(ctx, id, sensor, limit)
			if err != nil {
				return nil, fmt.Errorf("history %s/%s: %w", id, sensor, err)
			}
			for _, r := range rows {
				snaps = append(snaps, model.PLCSnapshot{
					PLC:       id,
					Sensors:   map[string]model.SensorSnapshot{r.Sensor: r.Snapshot()},
					Timestamp: r.Timestamp,
				})
			}
			continue
		}

		rows, err := store.LatestReadings(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("latest %s: %w", id, err)
		}
		snap := model.PLCSnapshot{PLC: id, Sensors: make(map[string]model.SensorSnapshot, len(rows))}
		for _, r := range rows {
			snap.Sensors[r.Sensor] = r.Snapshot()
			if r.Timestamp.After(snap.Timestamp) {
				snap.Timestamp = r.Timestamp
			}
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}
