package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"quotewatch/internal/config"
	"quotewatch/internal/httpx"
	"quotewatch/internal/logging"
	"quotewatch/internal/source"
	"quotewatch/internal/source/eastmoney"
	"quotewatch/internal/source/sina"
	"quotewatch/internal/source/yahoo"
)

func main() {
	var (
		srcName    string
		symbol     string
		market     string
		timeoutSec int
		configPath string
	)
	flag.StringVar(&srcName, "source", "eastmoney", "quote source: eastmoney, sina or yahoo")
	flag.StringVar(&symbol, "symbol", "000001", "source-native symbol")
	flag.StringVar(&market, "market", "1", "market code prefix (eastmoney only)")
	flag.IntVar(&timeoutSec, "timeout", 15, "request timeout seconds")
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to config.yaml (optional)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}

	timeout := time.Duration(timeoutSec) * time.Second
	hc := httpx.New(timeout)

	var src source.Source
	switch srcName {
	case "eastmoney":
		src, err = eastmoney.New(eastmoney.Config{Endpoint: cfg.Eastmoney.Endpoint}, hc)
	case "sina":
		src = sina.New(sina.Config{Endpoint: cfg.Sina.Endpoint}, hc)
	case "yahoo":
		jc := httpx.New(timeout)
		jc.EnableCookies()
		crumbs := yahoo.NewCrumbStore(jc.HTTP, yahoo.BootstrapConfig{
			InitialURL: cfg.Yahoo.InitialURL,
			CrumbURL:   cfg.Yahoo.CrumbURL,
		}, log)
		src, err = yahoo.New(yahoo.Config{QuoteURL: cfg.Yahoo.QuoteURL}, jc.HTTP, crumbs)
	default:
		fmt.Fprintln(os.Stderr, "unknown source:", srcName)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("source setup")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rec, err := src.Fetch(ctx, source.Instrument{Symbol: symbol, MarketCode: market})
	if err != nil {
		log.Fatal().Str("reason", source.Reason(err)).Err(err).Msg("fetch failed")
	}
	rec.Timestamp = time.Now()

	b, _ := json.MarshalIndent(rec, "", "  ")
	fmt.Println(string(b))
}
