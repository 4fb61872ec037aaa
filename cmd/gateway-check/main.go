// Command gateway-check probes a running tongate proxy: it fetches plain
// HTTP and HTTPS URLs through the proxy and requests a TON domain to verify
// the gateway rewrite answers. Intended for smoke-testing a deployment.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/codefionn/tongate/tongate-srv/logger"
)

// CheckResult represents the outcome of a single probe.
type CheckResult struct {
	Name     string        `json:"name"`
	URL      string        `json:"url"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Status   int           `json:"status"`
}

// CheckSuite runs probes against a proxy and collects their results.
type CheckSuite struct {
	ProxyURL string
	Client   *http.Client
	Results  []CheckResult
}

func main() {
	proxyAddr := flag.String("proxy", "127.0.0.1:8080", "Proxy address (host:port)")
	tonURL := flag.String("ton-url", "http://foundation.ton/", "TON domain URL fetched through the gateway")
	plainURL := flag.String("plain-url", "http://example.com/", "Plain HTTP URL fetched through the proxy")
	secureURL := flag.String("secure-url", "https://example.com/", "HTTPS URL tunneled through the proxy")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	timeout := flag.Int("timeout", 30, "Request timeout in seconds")
	jsonOut := flag.Bool("json", false, "Print results as JSON")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	proxyURL, err := url.Parse("http://" + *proxyAddr)
	if err != nil {
		logger.Fatal("Invalid proxy address: %v", err)
	}

	suite := &CheckSuite{
		ProxyURL: proxyURL.String(),
		Client: &http.Client{
			Timeout: time.Duration(*timeout) * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		},
	}

	logger.Info("Checking proxy at %s", suite.ProxyURL)

	suite.run("plain-http", *plainURL)
	suite.run("https-tunnel", *secureURL)
	suite.run("ton-gateway", *tonURL)

	if *jsonOut {
		if err := json.NewEncoder(os.Stdout).Encode(suite.Results); err != nil {
			logger.Fatal("Failed to encode results: %v", err)
		}
	} else {
		suite.printResults()
	}

	for _, result := range suite.Results {
		if !result.Success {
			os.Exit(1)
		}
	}
}

func (cs *CheckSuite) run(name, target string) {
	start := time.Now()
	result := CheckResult{Name: name, URL: target}

	resp, err := cs.Client.Get(target)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		cs.Results = append(cs.Results, result)
		logger.Error("%s: %v", name, err)
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		result.Error = fmt.Sprintf("reading body: %v", err)
		cs.Results = append(cs.Results, result)
		return
	}

	result.Status = resp.StatusCode
	result.Success = resp.StatusCode < 500 && resp.Header.Get("X-Proxy-Error") == ""
	cs.Results = append(cs.Results, result)

	logger.Debug("%s: status %d, %d bytes in %s", name, resp.StatusCode, n, result.Duration)
}

func (cs *CheckSuite) printResults() {
	passed := 0
	for _, result := range cs.Results {
		status := "FAIL"
		if result.Success {
			status = "OK"
			passed++
		}
		fmt.Printf("%-14s %-4s status=%d duration=%s %s\n",
			result.Name, status, result.Status, result.Duration.Round(time.Millisecond), result.Error)
	}
	fmt.Printf("%d/%d checks passed\n", passed, len(cs.Results))
}
