// Command aliases inspects and maintains the external-identifier index.
//
// Usage:
//
//	go run cmd/aliases/main.go -sqlite paper_aliases.db -stats
//	go run cmd/aliases/main.go -sqlite paper_aliases.db -paper 649def34f8be52c8b66281af98ae884c09aef38b
//	go run cmd/aliases/main.go -sqlite paper_aliases.db -compact-days 90
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tyqqj0/Paper-Parser/internal/alias"
	"github.com/tyqqj0/Paper-Parser/internal/config"
)

func main() {
	cfg := config.Load()

	sqlitePath := flag.String("sqlite", cfg.Alias.Path, "alias index path")
	paperID := flag.String("paper", "", "list aliases of one canonical paper id")
	stats := flag.Bool("stats", false, "print index statistics")
	compactDays := flag.Int("compact-days", 0, "delete aliases not touched within N days")
	flag.Parse()

	if !*stats && *paperID == "" && *compactDays <= 0 {
		fmt.Fprintln(os.Stderr, "usage: aliases [-sqlite path] -stats | -paper <id> | -compact-days <n>")
		os.Exit(2)
	}

	idx, err := alias.Open(*sqlitePath)
	if err != nil {
		log.WithField("err", err).Fatal("open alias index")
	}
	defer idx.Close()

	ctx := context.Background()

	if *stats {
		s, err := idx.Stats(ctx)
		if err != nil {
			log.WithField("err", err).Fatal("alias stats")
		}
		printJSON(s)
	}

	if *paperID != "" {
		rows, err := idx.AliasesOf(ctx, *paperID)
		if err != nil {
			log.WithFields(log.Fields{"paper": *paperID, "err": err}).Fatal("list aliases")
		}
		if len(rows) == 0 {
			fmt.Printf("no aliases recorded for %s\n", *paperID)
			return
		}
		printJSON(rows)
	}

	if *compactDays > 0 {
		age := time.Duration(*compactDays) * 24 * time.Hour
		deleted, err := idx.CompactOlderThan(ctx, age)
		if err != nil {
			log.WithField("err", err).Fatal("compact aliases")
		}
		fmt.Printf("deleted %d aliases older than %d days\n", deleted, *compactDays)
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.WithField("err", err).Fatal("encode output")
	}
	fmt.Println(string(out))
}
