package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"saltdetect/internal/dto"
	"saltdetect/internal/repository/sqlite"
)

func main() {
	dbPath := flag.String("db", filepath.Join("data", "salt.db"), "Database path")
	flag.Parse()

	ctx := context.Background()
	fmt.Printf("Applying schema to %s\n", *dbPath)

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	// New migrates on open
	db, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	_, batches, err := sqlite.NewBatchRepository(db).GetAll(ctx, dto.BatchFilters{Limit: 1})
	if err != nil {
		log.Fatalf("Failed to count batches: %v", err)
	}

	stats, err := sqlite.NewStatisticsRepository(db).Summary(ctx, time.Time{}, time.Time{})
	if err != nil {
		log.Fatalf("Failed to read statistics: %v", err)
	}

	fmt.Printf("Schema is up to date\n")
	fmt.Printf("   Batches: %d\n", batches)
	fmt.Printf("   Detection records: %d\n", stats.TotalDetections)
	if stats.TotalDetections > 0 {
		fmt.Printf("   Average purity: %.2f%%\n", stats.AveragePurity)
		fmt.Printf("   Period: %v to %v\n", stats.PeriodStart, stats.PeriodEnd)
	}
}
