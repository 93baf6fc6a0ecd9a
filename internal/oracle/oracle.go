package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hireline/internal/config"
)

// ErrUnknownAgent is returned when the directory has no record for an
// account. The engine treats it as ineligibility, never as a pass.
var ErrUnknownAgent = errors.New("oracle: unknown agent")

// LifetimeInfo is the uptime oracle's view of one agent.
type LifetimeInfo struct {
	Name  string `json:"name"`
	Score int64  `json:"score"`
}

// Directory resolves marketplace accounts against the external agent
// registry. Lookups fail closed: any error disqualifies the account.
type Directory interface {
	AgentName(ctx context.Context, account string) (string, error)
	LifetimeInfo(ctx context.Context, account string) (LifetimeInfo, error)
}

// HTTPDirectory queries a remote registry over HTTP.
type HTTPDirectory struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTP(baseURL string) *HTTPDirectory {
	return &HTTPDirectory{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *HTTPDirectory) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrUnknownAgent
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("oracle returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (d *HTTPDirectory) AgentName(ctx context.Context, account string) (string, error) {
	var out struct {
		Name string `json:"name"`
	}
	if err := d.get(ctx, "/agents/"+url.PathEscape(account), &out); err != nil {
		return "", err
	}
	if out.Name == "" {
		return "", ErrUnknownAgent
	}
	return out.Name, nil
}

func (d *HTTPDirectory) LifetimeInfo(ctx context.Context, account string) (LifetimeInfo, error) {
	var out LifetimeInfo
	if err := d.get(ctx, "/agents/"+url.PathEscape(account)+"/lifetime", &out); err != nil {
		return LifetimeInfo{}, err
	}
	return out, nil
}

// StaticDirectory serves lookups from an in-memory table. It backs local
// deployments and tests.
type StaticDirectory struct {
	Agents map[string]LifetimeInfo
}

func NewStatic(agents map[string]config.StaticAgent) *StaticDirectory {
	m := make(map[string]LifetimeInfo, len(agents))
	for account, a := range agents {
		m[account] = LifetimeInfo{Name: a.Name, Score: a.Score}
	}
	return &StaticDirectory{Agents: m}
}

func (d *StaticDirectory) AgentName(_ context.Context, account string) (string, error) {
	info, ok := d.Agents[account]
	if !ok || info.Name == "" {
		return "", ErrUnknownAgent
	}
	return info.Name, nil
}

func (d *StaticDirectory) LifetimeInfo(_ context.Context, account string) (LifetimeInfo, error) {
	info, ok := d.Agents[account]
	if !ok {
		return LifetimeInfo{}, ErrUnknownAgent
	}
	return info, nil
}

// FromConfig builds the directory the params select: HTTP when a URL is set,
// otherwise the static table.
func FromConfig(cfg config.OracleConfig) Directory {
	if cfg.URL != "" {
		return NewHTTP(cfg.URL)
	}
	return NewStatic(cfg.Agents)
}
