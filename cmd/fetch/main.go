package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"marketfeed/internal/acquire"
	"marketfeed/internal/bootstrap"
	"marketfeed/internal/config"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("warning: .env: %v", err)
	}

	var (
		dataType   string
		symbol     string
		start      string
		end        string
		freq       string
		noCache    bool
		rows       int
		timeout    int
		configPath string
		status     bool
		frame      bool
	)
	today := time.Now().Format("2006-01-02")
	flag.StringVar(&dataType, "type", getenv("DATA_TYPE", "daily"), "daily|minute|financial|macro|industry|concept")
	flag.StringVar(&symbol, "symbol", getenv("SYMBOL", "000001.SZ"), "symbol, or indicator for macro")
	flag.StringVar(&start, "start", getenv("START", time.Now().AddDate(0, -1, 0).Format("2006-01-02")), "start date YYYY-MM-DD")
	flag.StringVar(&end, "end", getenv("END", today), "end date YYYY-MM-DD")
	flag.StringVar(&freq, "freq", getenv("FREQ", ""), "minute bar size: 1min|5min|15min|30min|60min")
	flag.BoolVar(&noCache, "no-cache", cast.ToBool(os.Getenv("NO_CACHE")), "skip the cache read")
	flag.IntVar(&rows, "rows", 10, "rows to print from the end of the table")
	flag.IntVar(&timeout, "timeout", 120, "overall timeout seconds")
	flag.StringVar(&configPath, "config", getenv("CONFIG_FILE", ""), "path to config.yaml or config.json (optional)")
	flag.BoolVar(&status, "status", true, "print provider status after the fetch")
	flag.BoolVar(&frame, "frame", false, "print per-column statistics to stderr")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer app.Close()

	var opts []acquire.FetchOption
	if freq != "" {
		opts = append(opts, acquire.WithFreq(freq))
	}
	if noCache {
		opts = append(opts, acquire.WithoutCache())
	}
	tbl, err := app.Service.Fetch(ctx, dataType, symbol, start, end, opts...)
	if err != nil {
		log.Fatalf("fetch: %v", err)
	}
	log.Printf("%s %s %s..%s: %d rows", dataType, symbol, start, end, tbl.Len())

	if frame && !tbl.Empty() {
		fmt.Fprintln(os.Stderr, tbl.DataFrame().Describe())
	}

	recs := tbl.Records()
	if rows >= 0 && len(recs) > rows {
		recs = recs[len(recs)-rows:]
	}
	out := struct {
		Rows    int              `json:"rows"`
		Columns []string         `json:"columns"`
		Records []map[string]any `json:"records"`
		Status  any              `json:"providers,omitempty"`
	}{Rows: tbl.Len(), Columns: tbl.Columns, Records: recs}
	if status {
		out.Status = app.Engine.Status()
	}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
