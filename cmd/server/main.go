package main

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"quotewatch/internal/config"
	"quotewatch/internal/coordinator"
	"quotewatch/internal/httpx"
	"quotewatch/internal/logging"
	"quotewatch/internal/quote"
	"quotewatch/internal/source"
	"quotewatch/internal/source/cache"
	"quotewatch/internal/source/eastmoney"
	"quotewatch/internal/source/ratelimit"
	"quotewatch/internal/source/sina"
	"quotewatch/internal/source/yahoo"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		os.Stderr.WriteString("logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	hours, err := cfg.HoursTable()
	if err != nil {
		log.Fatal().Err(err).Msg("trading hours")
	}

	httpClient := httpx.New(cfg.Server.RequestTimeout.Std())

	// One cookie-jarred client and one crumb store shared by every
	// authenticated-feed instrument.
	yahooClient := httpx.New(cfg.Server.RequestTimeout.Std())
	yahooClient.EnableCookies()
	crumbs := yahoo.NewCrumbStore(yahooClient.HTTP, yahoo.BootstrapConfig{
		InitialURL: cfg.Yahoo.InitialURL,
		CrumbURL:   cfg.Yahoo.CrumbURL,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coords := make(map[string]*coordinator.Coordinator, len(cfg.Instruments))
	for _, ic := range cfg.Instruments {
		src, limits, err := buildSource(cfg, ic, httpClient, crumbs)
		if err != nil {
			log.Fatal().Err(err).Str("source", ic.Source).Str("symbol", ic.Symbol).Msg("source setup")
		}
		src = wrapLimits(src, limits)

		inst := source.Instrument{
			Symbol:     ic.Symbol,
			MarketCode: ic.Market,
			Name:       ic.Name,
			HoursKey:   ic.HoursKey,
		}
		c, err := coordinator.New(coordinator.Config{
			Instrument: inst,
			Source:     src,
			Intervals: coordinator.Intervals{
				Trade:    cfg.TradeInterval(),
				NonTrade: cfg.NonTradeInterval(),
			},
			Hours:        hours,
			FetchTimeout: cfg.Server.RequestTimeout.Std(),
			Logger:       log,
		})
		if err != nil {
			log.Fatal().Err(err).Str("symbol", ic.Symbol).Msg("coordinator setup")
		}
		if err := c.Start(ctx); err != nil {
			// First fetch failed; the loop keeps retrying on schedule.
			log.Warn().Err(err).Str("symbol", ic.Symbol).Msg("first refresh failed")
		}
		coords[key(ic)] = c
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/api/latest", latestHandler(coords))
	mux.HandleFunc("/api/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		for _, c := range coords {
			c.RefreshNow()
		}
		w.WriteHeader(http.StatusAccepted)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           withJSONHeaders(withGzip(recoverPanic(mux))),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Int("instruments", len(coords)).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func key(ic config.Instrument) string {
	if ic.Market != "" {
		return ic.Market + "." + ic.Symbol
	}
	return ic.Symbol
}

func buildSource(cfg *config.Config, ic config.Instrument, hc *httpx.Client, crumbs *yahoo.CrumbStore) (source.Source, config.SourceLimits, error) {
	switch ic.Source {
	case "eastmoney":
		s, err := eastmoney.New(eastmoney.Config{Endpoint: cfg.Eastmoney.Endpoint}, hc)
		return s, cfg.Eastmoney.Limits, err
	case "sina":
		return sina.New(sina.Config{Endpoint: cfg.Sina.Endpoint}, hc), cfg.Sina.Limits, nil
	case "yahoo":
		s, err := yahoo.New(yahoo.Config{QuoteURL: cfg.Yahoo.QuoteURL}, hc.HTTP, crumbs)
		return s, cfg.Yahoo.Limits, err
	default:
		return nil, config.SourceLimits{}, &source.FormatMismatchError{Payload: ic.Source}
	}
}

// wrapLimits layers the rate-limit and cache decorators: token bucket when
// an RPM budget is set, min-interval otherwise, cache outermost.
func wrapLimits(s source.Source, lim config.SourceLimits) source.Source {
	if lim.MaxRequestsPerMin > 0 {
		rate := float64(lim.MaxRequestsPerMin) / 60.0
		burst := lim.Burst
		if burst <= 0 {
			burst = 1
		}
		s = &ratelimit.TokenBucketSource{S: s, TB: ratelimit.NewTokenBucket(rate, burst)}
	} else if lim.MinRequestInterval > 0 {
		s = &ratelimit.MinInterval{S: s, Interval: lim.MinRequestInterval.Std()}
	}
	if lim.CacheTTL > 0 {
		s = &cache.Source{S: s, TTL: lim.CacheTTL.Std(), MaxItems: lim.CacheMaxItems}
	}
	return s
}

type latestEntry struct {
	Code   string        `json:"code"`
	Record *quote.Record `json:"record,omitempty"`
	Error  string        `json:"error,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// latestHandler serves the retained records: all instruments by default,
// one when ?code= is given.
func latestHandler(coords map[string]*coordinator.Coordinator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if code := r.URL.Query().Get("code"); code != "" {
			c, ok := coords[code]
			if !ok {
				http.Error(w, "unknown code", http.StatusNotFound)
				return
			}
			writeEntries(w, []latestEntry{entryFor(code, c)})
			return
		}
		entries := make([]latestEntry, 0, len(coords))
		for code, c := range coords {
			entries = append(entries, entryFor(code, c))
		}
		writeEntries(w, entries)
	})
}

func entryFor(code string, c *coordinator.Coordinator) latestEntry {
	e := latestEntry{Code: code}
	if rec, ok := c.Latest(); ok {
		e.Record = rec
	}
	if uerr := c.LastError(); uerr != nil {
		e.Error = uerr.Error()
		e.Reason = uerr.Reason
	}
	return e
}

func writeEntries(w http.ResponseWriter, entries []latestEntry) {
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(struct {
		Quotes []latestEntry `json:"quotes"`
	}{Quotes: entries})
}

func withJSONHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withGzip compresses the response when the client supports gzip.
func withGzip(next http.Handler) http.Handler {
	var gzPool = sync.Pool{New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	}}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		gz := gzPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			_ = gz.Close()
			gz.Reset(io.Discard)
			gzPool.Put(gz)
		}()
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gw := gzipResponseWriter{ResponseWriter: w, Writer: gz}
		next.ServeHTTP(gw, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	Writer io.Writer
}

func (g gzipResponseWriter) Write(b []byte) (int, error) {
	return g.Writer.Write(b)
}

// recoverPanic protects handlers from panics.
func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
