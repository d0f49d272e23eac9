// Package main provides a tool to export formation events from ClickHouse to KML format.
// KML (Keyhole Markup Language) files can be viewed in Google Earth, Google Maps, and
// other mapping applications.
package main

import (
	"context"
	"encoding/xml"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"formation_tracker/internal/formations"
	"formation_tracker/internal/storage"
)

// KML structures for XML marshalling.
// These follow the KML 2.2 specification: https://developers.google.com/kml/documentation/kmlreference

// KML is the root element of a KML document.
type KML struct {
	XMLName   xml.Name `xml:"kml"`
	Namespace string   `xml:"xmlns,attr"`
	Document  Document `xml:"Document"`
}

// Document contains the document metadata and features.
type Document struct {
	Name        string      `xml:"name"`
	Description string      `xml:"description,omitempty"`
	Styles      []Style     `xml:"Style,omitempty"`
	Placemarks  []Placemark `xml:"Placemark"`
}

// Style defines the visual appearance of features.
type Style struct {
	ID        string    `xml:"id,attr"`
	IconStyle IconStyle `xml:"IconStyle"`
}

// IconStyle defines how icons are displayed.
type IconStyle struct {
	Scale float64 `xml:"scale,omitempty"`
	Icon  Icon    `xml:"Icon"`
}

// Icon specifies the icon image.
type Icon struct {
	Href string `xml:"href"`
}

// Placemark represents a geographic feature with geometry and metadata.
type Placemark struct {
	Name         string        `xml:"name"`
	Description  string        `xml:"description,omitempty"`
	StyleURL     string        `xml:"styleUrl,omitempty"`
	Point        Point         `xml:"Point"`
	ExtendedData *ExtendedData `xml:"ExtendedData,omitempty"`
}

// Point represents a geographic location.
type Point struct {
	Coordinates string `xml:"coordinates"` // Format: lon,lat,altitude
}

// ExtendedData holds custom data associated with a placemark.
type ExtendedData struct {
	Data []Data `xml:"Data"`
}

// Data represents a single piece of extended data.
type Data struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

func main() {
	// ClickHouse connection flags.
	chHost := flag.String("ch-host", "localhost", "ClickHouse host")
	chPort := flag.Int("ch-port", 9000, "ClickHouse native port")
	chUser := flag.String("ch-user", "default", "ClickHouse user")
	chPassword := flag.String("ch-password", "", "ClickHouse password")
	chDB := flag.String("ch-db", "formations", "ClickHouse database")

	output := flag.String("output", "", "Output KML file (default: stdout)")
	fromStr := flag.String("from", "", "Window start, RFC3339 (default: 24h ago)")
	toStr := flag.String("to", "", "Window end, RFC3339 (default: now)")
	limit := flag.Int("limit", 10000, "Maximum events to export")
	showStats := flag.Bool("stats", false, "Show statistics only, don't export")
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

	// Show stats mode.
	if *showStats {
		showFormationStats(ctx, ch)
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

	events, err := ch.FormationEventsRange(ctx, from, to, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying formation events: %v\n", err)
		os.Exit(1)
	}

	if len(events) == 0 {
		fmt.Fprintf(os.Stderr, "No formation events found in window\n")
		os.Exit(0)
	}

	if *verbose {
		fmt.Fprintf(os.Stderr, "Exporting %d formation events to KML\n", len(events))
	}

	kml := generateKML(events, from, to)

	xmlData, err := xml.MarshalIndent(kml, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating KML: %v\n", err)
		os.Exit(1)
	}
	xmlOutput := xml.Header + string(xmlData)

	if *output != "" {
		if err := os.WriteFile(*output, []byte(xmlOutput), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
			os.Exit(1)
		}
		if *verbose {
			fmt.Fprintf(os.Stderr, "Wrote %s\n", *output)
		}
	} else {
		fmt.Println(xmlOutput)
	}
}

// generateKML creates a KML document from formation lifecycle events.
// Created and updated events are placed at the formation's center; closed
// events carry no geometry and are skipped.
func generateKML(events []formations.Event, from, to time.Time) KML {
	placemarks := make([]Placemark, 0, len(events))
	for _, ev := range events {
		if ev.Formation == nil {
			continue
		}
		f := ev.Formation
		coords := fmt.Sprintf("%.6f,%.6f,%.0f", f.Center.Lon, f.Center.Lat, f.Center.Alt)

		description := fmt.Sprintf(
			"Type: %s\nMembers: %s\nScore: %.2f\nAt: %s",
			f.Type,
			strings.Join(f.Members, ", "),
			f.Score,
			ev.At.Format("2006-01-02 15:04:05 UTC"),
		)

		placemarks = append(placemarks, Placemark{
			Name:        f.ID,
			Description: description,
			StyleURL:    "#" + ev.Kind + "Style",
			Point: Point{
				Coordinates: coords,
			},
			ExtendedData: &ExtendedData{
				Data: []Data{
					{Name: "event", Value: ev.Kind},
					{Name: "formation_type", Value: f.Type},
					{Name: "members", Value: strings.Join(f.Members, " ")},
					{Name: "score", Value: fmt.Sprintf("%.3f", f.Score)},
					{Name: "coverage_km2", Value: fmt.Sprintf("%.2f", f.CoverageKM2)},
					{Name: "at", Value: ev.At.Format(time.RFC3339)},
				},
			},
		})
	}

	return KML{
		Namespace: "http://www.opengis.net/kml/2.2",
		Document: Document{
			Name: "Recognized Formations",
			Description: fmt.Sprintf("Formation lifecycle events from %s to %s. Generated %s.",
				from.Format("2006-01-02 15:04"), to.Format("2006-01-02 15:04"),
				time.Now().Format("2006-01-02 15:04:05")),
			Styles: []Style{
				{
					ID: "createdStyle",
					IconStyle: IconStyle{
						Scale: 1.0,
						Icon: Icon{
							Href: "http://maps.google.com/mapfiles/kml/shapes/triangle.png",
						},
					},
				},
				{
					ID: "updatedStyle",
					IconStyle: IconStyle{
						Scale: 0.7,
						Icon: Icon{
							Href: "http://maps.google.com/mapfiles/kml/shapes/open-diamond.png",
						},
					},
				},
			},
			Placemarks: placemarks,
		},
	}
}

// showFormationStats displays trailing-week statistics from the archive.
func showFormationStats(ctx context.Context, ch *storage.ClickHouseDB) {
	stats, err := ch.FormationStats(ctx, 7)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying stats: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Formation Statistics (trailing 7 days)")
	fmt.Println("──────────────────────────────────────")
	fmt.Printf("Total events:        %d\n", stats.TotalCount)
	fmt.Printf("Average score:       %.3f\n", stats.AvgScore)

	if len(stats.TypeDistribution) > 0 {
		fmt.Println("\nBy formation type:")
		for _, typ := range sortedKeys(stats.TypeDistribution) {
			fmt.Printf("  %-24s %6d\n", typ, stats.TypeDistribution[typ])
		}
	}
	if len(stats.DailyCounts) > 0 {
		fmt.Println("\nBy day:")
		for _, day := range sortedKeys(stats.DailyCounts) {
			fmt.Printf("  %-10s %6d\n", day, stats.DailyCounts[day])
		}
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
