// Package main provides a tool to export target tracks from the ClickHouse
// archive. CSV output is one row per archived state; GeoJSON output is one
// LineString feature per target, suitable for GIS review.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"formation_tracker/internal/storage"
	"formation_tracker/internal/target"
)

// Feature is a GeoJSON feature holding one target's track.
type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

// Geometry is a GeoJSON LineString. Coordinates are [lon, lat, alt].
type Geometry struct {
	Type        string       `json:"type"`
	Coordinates [][3]float64 `json:"coordinates"`
}

// FeatureCollection is the GeoJSON document root.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

func main() {
	// ClickHouse connection flags.
	chHost := flag.String("ch-host", "localhost", "ClickHouse host")
	chPort := flag.Int("ch-port", 9000, "ClickHouse native port")
	chUser := flag.String("ch-user", "default", "ClickHouse user")
	chPassword := flag.String("ch-password", "", "ClickHouse password")
	chDB := flag.String("ch-db", "formations", "ClickHouse database")

	targetID := flag.String("target", "", "Export a single target id (default: all)")
	fromStr := flag.String("from", "", "Window start, RFC3339 (default: 24h ago)")
	toStr := flag.String("to", "", "Window end, RFC3339 (default: now)")
	limit := flag.Int("limit", 100000, "Maximum state rows to export")
	format := flag.String("format", "csv", "Output format: csv, geojson")
	output := flag.String("output", "", "Output file (default: stdout)")
	showStats := flag.Bool("stats", false, "Show per-target archive statistics, don't export")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Parse()

	ctx := context.Background()

	ch, err := storage.OpenClickHouse(ctx, storage.ClickHouseConfig{
		Host:     *chHost,
		Port:     *chPort,
		Database: *chDB,
		User:     *chUser,
		Password: *chPassword,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening ClickHouse: %v\n", err)
		os.Exit(1)
	}
	defer ch.Close()

	if *showStats {
		showTrackStats(ctx, ch)
		return
	}

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if *fromStr != "" {
		from, err = time.Parse(time.RFC3339, *fromStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -from: %v\n", err)
			os.Exit(1)
		}
	}
	if *toStr != "" {
		to, err = time.Parse(time.RFC3339, *toStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -to: %v\n", err)
			os.Exit(1)
		}
	}

	states, err := ch.StateHistory(ctx, storage.StateHistoryParams{
		TargetID: *targetID,
		From:     from,
		To:       to,
		Limit:    *limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying state history: %v\n", err)
		os.Exit(1)
	}
	if len(states) == 0 {
		fmt.Fprintf(os.Stderr, "No archived states found in window\n")
		os.Exit(0)
	}
	if *verbose {
		fmt.Fprintf(os.Stderr, "Exporting %d state rows as %s\n", len(states), *format)
	}

	var w io.Writer = os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating file: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = f.Close() }()
		w = f
	}

	switch *format {
	case "csv":
		err = writeCSV(w, states)
	case "geojson":
		err = writeGeoJSON(w, states)
	default:
		fmt.Fprintf(os.Stderr, "Unknown format: %s\n", *format)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		os.Exit(1)
	}
}

func writeCSV(w io.Writer, states []target.State) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"target_id", "observed_at", "longitude", "latitude", "altitude",
		"heading", "speed", "platform", "version",
	}); err != nil {
		return err
	}
	for _, s := range states {
		rec := []string{
			s.ID,
			s.ObservedAt.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(s.Position.Lon, 'f', 6, 64),
			strconv.FormatFloat(s.Position.Lat, 'f', 6, 64),
			strconv.FormatFloat(s.Position.Alt, 'f', 1, 64),
			strconv.FormatFloat(s.Heading, 'f', 1, 64),
			strconv.FormatFloat(s.Speed, 'f', 1, 64),
			string(s.Platform),
			strconv.FormatInt(s.Version, 10),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeGeoJSON emits one LineString per target. StateHistory returns rows
// oldest first, so each track is already in time order.
func writeGeoJSON(w io.Writer, states []target.State) error {
	tracks := make(map[string][]target.State)
	for _, s := range states {
		tracks[s.ID] = append(tracks[s.ID], s)
	}

	ids := make([]string, 0, len(tracks))
	for id := range tracks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fc := FeatureCollection{Type: "FeatureCollection"}
	for _, id := range ids {
		track := tracks[id]
		coords := make([][3]float64, len(track))
		for i, s := range track {
			coords[i] = [3]float64{s.Position.Lon, s.Position.Lat, s.Position.Alt}
		}
		fc.Features = append(fc.Features, Feature{
			Type:     "Feature",
			Geometry: Geometry{Type: "LineString", Coordinates: coords},
			Properties: map[string]any{
				"target_id": id,
				"platform":  string(track[0].Platform),
				"points":    len(track),
				"first":     track[0].ObservedAt.UTC().Format(time.RFC3339),
				"last":      track[len(track)-1].ObservedAt.UTC().Format(time.RFC3339),
			},
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(fc)
}

// showTrackStats displays the busiest targets in the archive.
func showTrackStats(ctx context.Context, ch *storage.ClickHouseDB) {
	rows, err := ch.Conn().Query(ctx, `
		SELECT target_id, count() AS points, min(observed_at), max(observed_at)
		FROM target_states
		GROUP BY target_id
		ORDER BY points DESC
		LIMIT 20
	`)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying stats: %v\n", err)
		os.Exit(1)
	}
	defer rows.Close()

	fmt.Println("Archived Tracks (top 20)")
	fmt.Println("────────────────────────")
	fmt.Printf("%-20s %8s  %-20s %-20s\n", "Target", "Points", "First", "Last")
	for rows.Next() {
		var id string
		var points uint64
		var first, last time.Time
		if err := rows.Scan(&id, &points, &first, &last); err != nil {
			fmt.Fprintf(os.Stderr, "Error scanning row: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%-20s %8d  %-20s %-20s\n",
			id, points,
			first.Format("2006-01-02 15:04:05"),
			last.Format("2006-01-02 15:04:05"))
	}
}
