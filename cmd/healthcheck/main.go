// Command healthcheck probes the service's /healthz endpoint and exits
// non-zero when it does not answer 200. It is the container health probe and
// dials the same HTTP_ADDR the server binds.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// probeURL derives the probe target from the server's listen address. A bare
// ":port" address dials localhost.
func probeURL(addr string) string {
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/healthz"
}

func main() {
	url := probeURL(os.Getenv("HTTP_ADDR"))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		slog.Error("bad probe url", slog.String("url", url), slog.Any("err", err))
		os.Exit(1)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Error("health probe failed", slog.String("url", url), slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		slog.Error("service unhealthy", slog.String("url", url), slog.Int("status", resp.StatusCode))
		os.Exit(1)
	}
}
