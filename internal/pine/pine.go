// internal/pine/pine.go

// Package pine resolves indicator (Pine script) metadata: searching public
// indicators, listing the standard built-ins usable with candle streaming,
// and building create_study payloads from script metainfo.
package pine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vkarpenko/tvstream/pkg/logger"
)

const (
	// DefaultFacadeURL serves script metainfo and the standard script list.
	DefaultFacadeURL = "https://pine-facade.tradingview.com"
	// DefaultSuggestURL serves public indicator search.
	DefaultSuggestURL = "https://www.tradingview.com"
)

// Indicator identifies one streamable indicator script.
type Indicator struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Version string `json:"version"`
}

// SearchResult is one public-indicator search hit.
type SearchResult struct {
	ScriptName    string `json:"scriptName"`
	ImageURL      string `json:"imageUrl"`
	Author        string `json:"author"`
	AgreeCount    int    `json:"agreeCount"`
	IsRecommended bool   `json:"isRecommended"`
	ScriptIDPart  string `json:"scriptIdPart"`
	Version       string `json:"version"`
}

// Client fetches indicator metadata over HTTP.
type Client struct {
	FacadeURL  string
	SuggestURL string
	client     *http.Client
	log        *logger.Logger
}

func NewClient(log *logger.Logger) *Client {
	return &Client{
		FacadeURL:  DefaultFacadeURL,
		SuggestURL: DefaultSuggestURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		log:        log.Named("pine"),
	}
}

// ListAvailable returns the standard built-in indicators whose ids and
// versions are usable with candle streaming.
func (c *Client) ListAvailable(ctx context.Context) ([]Indicator, error) {
	var raw []struct {
		ScriptName   string          `json:"scriptName"`
		ScriptIDPart string          `json:"scriptIdPart"`
		Version      json.RawMessage `json:"version"`
	}
	if err := c.getJSON(ctx, c.FacadeURL+"/pine-facade/list?filter=standard", &raw); err != nil {
		return nil, fmt.Errorf("pine: list indicators: %w", err)
	}

	out := make([]Indicator, 0, len(raw))
	for _, item := range raw {
		out = append(out, Indicator{
			Name:    item.ScriptName,
			ID:      item.ScriptIDPart,
			Version: rawString(item.Version),
		})
	}
	return out, nil
}

// Search filters public indicators by name or author.
func (c *Client) Search(ctx context.Context, query string) ([]SearchResult, error) {
	var payload struct {
		Results []struct {
			ScriptName    string          `json:"scriptName"`
			ImageURL      string          `json:"imageUrl"`
			AgreeCount    int             `json:"agreeCount"`
			IsRecommended bool            `json:"isRecommended"`
			ScriptIDPart  string          `json:"scriptIdPart"`
			Version       json.RawMessage `json:"version"`
			Author        struct {
				Username string `json:"username"`
			} `json:"author"`
		} `json:"results"`
	}
	endpoint := c.SuggestURL + "/pubscripts-suggest-json/?search=" + url.QueryEscape(query)
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, fmt.Errorf("pine: search %q: %w", query, err)
	}

	q := strings.ToLower(query)
	var out []SearchResult
	for _, r := range payload.Results {
		if !strings.Contains(strings.ToLower(r.ScriptName), q) &&
			!strings.Contains(strings.ToLower(r.Author.Username), q) {
			continue
		}
		out = append(out, SearchResult{
			ScriptName:    r.ScriptName,
			ImageURL:      r.ImageURL,
			Author:        r.Author.Username,
			AgreeCount:    r.AgreeCount,
			IsRecommended: r.IsRecommended,
			ScriptIDPart:  r.ScriptIDPart,
			Version:       rawString(r.Version),
		})
	}
	return out, nil
}

// metaInfo is the subset of script metadata needed to build a study payload.
type metaInfo struct {
	Pine struct {
		Version string `json:"version"`
	} `json:"pine"`
	Inputs []struct {
		ID     string      `json:"id"`
		Defval interface{} `json:"defval"`
		Type   string      `json:"type"`
	} `json:"inputs"`
}

// StudyPayload fetches script metainfo and prepares the create_study
// parameter list for the given chart session. The second element (the study
// slot) is a placeholder the caller overrides per study.
func (c *Client) StudyPayload(ctx context.Context, scriptID, scriptVersion, chartSession string) ([]interface{}, error) {
	endpoint := fmt.Sprintf("%s/pine-facade/translate/%s/%s",
		c.FacadeURL, url.PathEscape(scriptID), url.PathEscape(scriptVersion))

	var payload struct {
		Result struct {
			MetaInfo *metaInfo `json:"metaInfo"`
		} `json:"result"`
	}
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, fmt.Errorf("pine: translate %s v%s: %w", scriptID, scriptVersion, err)
	}
	mi := payload.Result.MetaInfo
	if mi == nil {
		return nil, fmt.Errorf("pine: no metainfo for %s v%s", scriptID, scriptVersion)
	}

	pineVersion := mi.Pine.Version
	if pineVersion == "" {
		pineVersion = "1.0"
	}
	var firstInput interface{} = ""
	if len(mi.Inputs) > 0 {
		firstInput = mi.Inputs[0].Defval
	}

	study := map[string]interface{}{
		"text":        firstInput,
		"pineId":      scriptID,
		"pineVersion": pineVersion,
		"pineFeatures": map[string]interface{}{
			"v": `{"indicator":1,"plot":1,"ta":1}`,
			"f": true,
			"t": "text",
		},
		"__profile": map[string]interface{}{
			"v": false,
			"f": true,
			"t": "bool",
		},
	}
	// in_* inputs ride along as default-value overrides.
	for _, in := range mi.Inputs {
		if strings.HasPrefix(in.ID, "in_") {
			study[in.ID] = map[string]interface{}{
				"v": in.Defval,
				"f": true,
				"t": in.Type,
			}
		}
	}

	return []interface{}{
		chartSession, "st9", "st1", "sds_1", "Script@tv-scripting-101!", study,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.log.Debug("malformed metadata response", zap.String("endpoint", endpoint), zap.Error(err))
		return err
	}
	return nil
}

// rawString renders a JSON scalar (string or number) as its string form;
// script versions appear as both "37.0" and 37.0 in the wild.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}
