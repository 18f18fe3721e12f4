package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/threatdesk/threatdesk/pkg/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Config holds the upstream endpoints the dispatcher talks to.
type Config struct {
	// NVDBaseURL is the NVD CVE API base, e.g. https://services.nvd.nist.gov/rest/json/cves/2.0
	NVDBaseURL string
	// KEVFeedURL is the CISA Known Exploited Vulnerabilities feed URL.
	KEVFeedURL string
	// EPSSBaseURL is the FIRST EPSS API base, e.g. https://api.first.org/data/v1/epss
	EPSSBaseURL string
	// ExtensionRiskBaseURL is the browser-extension risk service base URL.
	// Empty disables the assess_extension_risk tool at execution time.
	ExtensionRiskBaseURL string
	// Timeout bounds each upstream HTTP request.
	Timeout time.Duration
	// MaxRetries is the retry budget per upstream call on transient failures.
	MaxRetries int
}

// DefaultConfig returns the public upstream endpoints.
func DefaultConfig() Config {
	return Config{
		NVDBaseURL:  "https://services.nvd.nist.gov/rest/json/cves/2.0",
		KEVFeedURL:  "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json",
		EPSSBaseURL: "https://api.first.org/data/v1/epss",
		Timeout:     15 * time.Second,
		MaxRetries:  2,
	}
}

// kevCacheTTL bounds how long the exploited-vulnerabilities feed is reused
// across requests. The feed is ~10MB and updates at most daily.
const kevCacheTTL = time.Hour

type kevEntry struct {
	VendorProject string `json:"vendorProject"`
	Product       string `json:"product"`
	Name          string `json:"vulnerabilityName"`
	DateAdded     string `json:"dateAdded"`
	Ransomware    string `json:"knownRansomwareCampaignUse"`
}

// Dispatcher executes registered tools against their upstream services.
// Safe for concurrent use; the KEV feed cache is the only shared state.
type Dispatcher struct {
	registry *Registry
	cfg      Config
	client   *http.Client

	kevMu      sync.Mutex
	kevFetched time.Time
	kevIndex   map[string]kevEntry
}

// NewDispatcher creates a dispatcher over the given registry and endpoints.
func NewDispatcher(registry *Registry, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Dispatcher{
		registry: registry,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Execute runs the named tool. It never returns an error: unknown tools,
// bad arguments, and upstream failures all come back as Success=false results
// that the agent loop feeds to the model in-band.
func (d *Dispatcher) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	log.Info().Str("tool", call.Name).Str("invocation", call.ID).Msg("Executing tool")

	if _, ok := d.registry.Lookup(call.Name); !ok {
		return failure(call, fmt.Sprintf("unknown tool %q", call.Name))
	}

	var (
		content string
		err     error
	)
	switch call.Name {
	case ToolLookupVulnerability:
		content, err = d.lookupVulnerability(ctx, call.Arguments)
	case ToolCheckExploitationStatus:
		content, err = d.checkExploitationStatus(ctx, call.Arguments)
	case ToolScoreExploitProbability:
		content, err = d.scoreExploitProbability(ctx, call.Arguments)
	case ToolAssessExtensionRisk:
		content, err = d.assessExtensionRisk(ctx, call.Arguments)
	default:
		err = fmt.Errorf("tool %q registered but not dispatchable", call.Name)
	}
	if err != nil {
		log.Warn().Err(err).Str("tool", call.Name).Msg("Tool execution failed")
		return failure(call, err.Error())
	}

	return models.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Success:    true,
		Content:    content,
	}
}

func failure(call models.ToolCall, message string) models.ToolResult {
	return models.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Success:    false,
		Message:    message,
	}
}

// ── Tool implementations ────────────────────────────────────

func (d *Dispatcher) lookupVulnerability(ctx context.Context, args map[string]interface{}) (string, error) {
	cveID, err := cveArg(args)
	if err != nil {
		return "", err
	}

	var payload struct {
		TotalResults    int `json:"totalResults"`
		Vulnerabilities []struct {
			CVE struct {
				ID           string `json:"id"`
				Published    string `json:"published"`
				LastModified string `json:"lastModified"`
				VulnStatus   string `json:"vulnStatus"`
				Descriptions []struct {
					Lang  string `json:"lang"`
					Value string `json:"value"`
				} `json:"descriptions"`
				Metrics map[string][]struct {
					CVSSData struct {
						BaseScore    float64 `json:"baseScore"`
						BaseSeverity string  `json:"baseSeverity"`
						VectorString string  `json:"vectorString"`
					} `json:"cvssData"`
				} `json:"metrics"`
			} `json:"cve"`
		} `json:"vulnerabilities"`
	}
	if err := d.getJSON(ctx, d.cfg.NVDBaseURL+"?cveId="+url.QueryEscape(cveID), &payload); err != nil {
		return "", fmt.Errorf("vulnerability database lookup: %w", err)
	}
	if len(payload.Vulnerabilities) == 0 {
		return marshalContent(map[string]interface{}{
			"cve_id": cveID,
			"found":  false,
		})
	}

	cve := payload.Vulnerabilities[0].CVE
	summary := map[string]interface{}{
		"cve_id":        cve.ID,
		"found":         true,
		"status":        cve.VulnStatus,
		"published":     cve.Published,
		"last_modified": cve.LastModified,
	}
	for _, desc := range cve.Descriptions {
		if desc.Lang == "en" {
			summary["description"] = desc.Value
			break
		}
	}
	// Prefer CVSS v3.1, fall back to whatever metric set is present.
	for _, key := range []string{"cvssMetricV31", "cvssMetricV30", "cvssMetricV2"} {
		if metrics := cve.Metrics[key]; len(metrics) > 0 {
			summary["cvss_score"] = metrics[0].CVSSData.BaseScore
			summary["cvss_severity"] = metrics[0].CVSSData.BaseSeverity
			summary["cvss_vector"] = metrics[0].CVSSData.VectorString
			break
		}
	}
	return marshalContent(summary)
}

func (d *Dispatcher) checkExploitationStatus(ctx context.Context, args map[string]interface{}) (string, error) {
	cveID, err := cveArg(args)
	if err != nil {
		return "", err
	}
	index, err := d.kevEntries(ctx)
	if err != nil {
		return "", fmt.Errorf("exploitation status check: %w", err)
	}

	entry, listed := index[strings.ToUpper(cveID)]
	result := map[string]interface{}{
		"cve_id":          cveID,
		"known_exploited": listed,
		"catalog":         "CISA KEV",
	}
	if listed {
		result["vendor"] = entry.VendorProject
		result["product"] = entry.Product
		result["vulnerability_name"] = entry.Name
		result["date_added"] = entry.DateAdded
		result["ransomware_campaign_use"] = entry.Ransomware
	}
	return marshalContent(result)
}

func (d *Dispatcher) scoreExploitProbability(ctx context.Context, args map[string]interface{}) (string, error) {
	cveID, err := cveArg(args)
	if err != nil {
		return "", err
	}

	var payload struct {
		Data []struct {
			CVE        string `json:"cve"`
			EPSS       string `json:"epss"`
			Percentile string `json:"percentile"`
			Date       string `json:"date"`
		} `json:"data"`
	}
	if err := d.getJSON(ctx, d.cfg.EPSSBaseURL+"?cve="+url.QueryEscape(cveID), &payload); err != nil {
		return "", fmt.Errorf("exploit probability scoring: %w", err)
	}
	if len(payload.Data) == 0 {
		return marshalContent(map[string]interface{}{
			"cve_id": cveID,
			"scored": false,
		})
	}
	return marshalContent(map[string]interface{}{
		"cve_id":     payload.Data[0].CVE,
		"scored":     true,
		"epss":       payload.Data[0].EPSS,
		"percentile": payload.Data[0].Percentile,
		"date":       payload.Data[0].Date,
	})
}

func (d *Dispatcher) assessExtensionRisk(ctx context.Context, args map[string]interface{}) (string, error) {
	if d.cfg.ExtensionRiskBaseURL == "" {
		return "", fmt.Errorf("extension risk service is not configured")
	}
	extensionID, ok := stringArg(args, "extension_id")
	if !ok {
		return "", fmt.Errorf("missing required argument %q", "extension_id")
	}
	browser, ok := stringArg(args, "browser")
	if !ok {
		browser = "chrome"
	}

	endpoint := fmt.Sprintf("%s/v1/extensions/%s/%s/risk",
		strings.TrimRight(d.cfg.ExtensionRiskBaseURL, "/"),
		url.PathEscape(browser), url.PathEscape(extensionID))

	var payload map[string]interface{}
	if err := d.getJSON(ctx, endpoint, &payload); err != nil {
		return "", fmt.Errorf("extension risk lookup: %w", err)
	}
	return marshalContent(payload)
}

// kevEntries returns the CVE index of the exploited-vulnerabilities feed,
// refreshing it when the cached copy is older than kevCacheTTL.
func (d *Dispatcher) kevEntries(ctx context.Context) (map[string]kevEntry, error) {
	d.kevMu.Lock()
	defer d.kevMu.Unlock()

	if d.kevIndex != nil && time.Since(d.kevFetched) < kevCacheTTL {
		return d.kevIndex, nil
	}

	var feed struct {
		Vulnerabilities []struct {
			CVEID string `json:"cveID"`
			kevEntry
		} `json:"vulnerabilities"`
	}
	if err := d.getJSON(ctx, d.cfg.KEVFeedURL, &feed); err != nil {
		// Serve a stale index over failing the tool when one exists.
		if d.kevIndex != nil {
			log.Warn().Err(err).Msg("KEV feed refresh failed, serving cached copy")
			return d.kevIndex, nil
		}
		return nil, err
	}

	index := make(map[string]kevEntry, len(feed.Vulnerabilities))
	for _, v := range feed.Vulnerabilities {
		index[strings.ToUpper(v.CVEID)] = v.kevEntry
	}
	d.kevIndex = index
	d.kevFetched = time.Now()
	return index, nil
}

// getJSON fetches a URL and decodes the JSON response, retrying transient
// failures (network errors and 5xx) with exponential backoff. 4xx responses
// are permanent.
func (d *Dispatcher) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("upstream returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("upstream returned %d", resp.StatusCode))
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding upstream response: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(d.cfg.MaxRetries)),
		ctx,
	)
	return backoff.Retry(operation, policy)
}

func cveArg(args map[string]interface{}) (string, error) {
	cveID, ok := stringArg(args, "cve_id")
	if !ok {
		return "", fmt.Errorf("missing required argument %q", "cve_id")
	}
	return cveID, nil
}

func stringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func marshalContent(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding tool result: %w", err)
	}
	return string(b), nil
}
