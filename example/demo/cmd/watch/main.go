// Command watch demonstrates the reactive side of the store: it opens a
// sqlite-backed engine, subscribes to a query with changesets, and prints
// every emission while a writer goroutine mutates the data set.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/objectstream/reactive-versionstore-go/versionstore"
	"github.com/objectstream/reactive-versionstore-go/versionstore/sqlengine"
)

const (
	sensorKind  = "sensor"
	writerTicks = 5
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	db, err := sql.Open("sqlite3", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		log.Fatalf("Failed to open sqlite database: %v", err)
	}
	db.SetMaxOpenConns(1)
	defer func() { _ = db.Close() }()

	engine, err := sqlengine.NewEngineFromSQLDB(db, sqlengine.DialectSQLite, sqlengine.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	if err = engine.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}
	defer func() { _ = engine.Close() }()

	store, err := versionstore.Open(engine, versionstore.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	// Seed one sensor so the first emission already carries data.
	var sensorID string
	_, err = store.Execute(ctx, func(tx *versionstore.WriteTx) error {
		sensor, txErr := tx.Create(sensorKind, versionstore.FieldMap{"name": "boiler", "reading": 20})
		sensorID = sensor.ID

		return txErr
	})
	if err != nil {
		log.Fatalf("Failed to seed data: %v", err)
	}

	allSensors, err := store.FindAll(ctx, versionstore.BuildQuery().
		OfKind(sensorKind).
		OrderedBy("name").
		Finalize())
	if err != nil {
		log.Fatalf("Failed to query sensors: %v", err)
	}

	sub := allSensors.AsChangesetStream().Subscribe()
	defer sub.Cancel()

	go writeReadings(ctx, store, sensorID)

	for emission := range sub.Events() {
		if emission.Err != nil {
			log.Fatalf("Subscription failed: %v", emission.Err)
		}

		printEmission(emission)

		if emission.Version >= versionstore.VersionID(writerTicks+1) {
			break
		}
	}
}

func writeReadings(ctx context.Context, store *versionstore.Store, sensorID string) {
	for i := 1; i <= writerTicks; i++ {
		time.Sleep(200 * time.Millisecond)

		_, err := store.Execute(ctx, func(tx *versionstore.WriteTx) error {
			return tx.Update(sensorKind, sensorID, versionstore.FieldMap{
				"name":    "boiler",
				"reading": 20 + i,
			})
		})
		if err != nil {
			log.Printf("write failed: %v", err)

			return
		}
	}
}

func printEmission(emission versionstore.Emission) {
	fmt.Printf("version %s with %d sensor(s)", emission.Version, emission.Handle.Size())

	if cs := emission.Changeset; cs != nil {
		fmt.Printf(" (insertions=%v deletions=%v modifications=%v)",
			cs.Insertions(), cs.Deletions(), cs.Modifications())
	}

	fmt.Println()

	for _, sensor := range emission.Handle.Objects() {
		name, _ := sensor.Get("name")
		reading, _ := sensor.Get("reading")
		fmt.Printf("  %v reading=%v\n", name, reading)
	}
}
