package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/falleco/open-commander/internal/auth"
	"github.com/falleco/open-commander/internal/store"
)

// openStore opens the broker's database read-write. Commands share the file
// with a running broker; WAL mode keeps both sides consistent.
func openStore() (*store.Store, error) {
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", cfg.DatabasePath(), err)
	}
	return st, nil
}

// browserCookie builds the Cookie header value the websocket proxy expects,
// signed for the first admin. With auth disabled the proxy ignores cookies
// and an empty string is returned.
func browserCookie(st *store.Store) (string, error) {
	if cfg.Auth.Disabled {
		return "", nil
	}
	secret, err := auth.LoadSigningSecret(cfg.Paths.StateRoot)
	if err != nil {
		return "", fmt.Errorf("loading signing secret: %w", err)
	}
	admin, err := st.FirstAdmin()
	if err != nil {
		return "", fmt.Errorf("no admin user yet; run `commander serve` once first: %w", err)
	}
	resolver := &auth.CookieResolver{Store: st, Secret: secret}
	return auth.CookieName + "=" + resolver.MintCookie(admin.ID), nil
}

// apiRequest sends an authenticated request to the broker's task API and
// decodes the JSON response into out (skipped when out is nil). Error
// responses surface the broker's own message.
func apiRequest(ctx context.Context, method, path string, body, out any) error {
	base := tasksServer
	if base == "" {
		base = "http://127.0.0.1:" + strconv.Itoa(cfg.Ports.FrontDoor)
	}
	key := tasksKey
	if key == "" {
		k, err := auth.BootstrapKey()
		if err != nil {
			return fmt.Errorf("no API key available: pass --key or run `commander serve` once to mint the bootstrap key (%v)", err)
		}
		key = k
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("reaching broker at %s: %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("broker: %s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("broker returned HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// formatAge renders a timestamp as a rough age for table output.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}
