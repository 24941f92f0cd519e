package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// sinadump prints the raw legacy feed lines for a set of symbols, decoded
// from GBK. Handy when a layout change breaks positional parsing and the
// actual wire fields need eyeballing.
func main() {
	var (
		symbolsCSV string
		endpoint   string
		timeoutSec int
		raw        bool
	)
	flag.StringVar(&symbolsCSV, "symbols", "sh000001", "comma-separated feed symbols")
	flag.StringVar(&endpoint, "endpoint", "https://hq.sinajs.cn/list=", "feed base URL")
	flag.IntVar(&timeoutSec, "timeout", 10, "HTTP timeout seconds")
	flag.BoolVar(&raw, "raw", false, "skip GBK decoding and dump raw bytes")
	flag.Parse()

	symbols := strings.Split(symbolsCSV, ",")
	for i := range symbols {
		symbols[i] = strings.TrimSpace(symbols[i])
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	u := endpoint + strings.Join(symbols, ",")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	req.Header.Set("Referer", "https://finance.sina.com.cn")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fetch:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		fmt.Fprintln(os.Stderr, "status:", resp.Status)
		os.Exit(1)
	}

	var r io.Reader = resp.Body
	if !raw {
		r = transform.NewReader(resp.Body, simplifiedchinese.GBK.NewDecoder())
	}
	body, err := io.ReadAll(r)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}

	for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		fmt.Println(line)
		// Numbered field dump per line makes layout drift obvious.
		if start := strings.Index(line, `"`); start >= 0 {
			end := strings.LastIndex(line, `"`)
			if end > start {
				for i, f := range strings.Split(line[start+1:end], ",") {
					fmt.Printf("  [%2d] %s\n", i, f)
				}
			}
		}
	}
}
