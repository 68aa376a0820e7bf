package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	kbDefaultLimit = 5
	kbMaxLimit     = 10
	kbSnippetRunes = 600
)

// KBSearchTimeout bounds one knowledge base request.
const KBSearchTimeout = 15 * time.Second

// KBSearch looks up help-center articles so the model can ground its reply.
// The endpoint must serve GET /search?q=<query>&limit=<n> returning
// {"articles":[{"id","title","url","body"}]}.
type KBSearch struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewKBSearch creates the tool. An empty token sends no Authorization header.
func NewKBSearch(endpoint, token string) *KBSearch {
	return &KBSearch{
		endpoint: endpoint,
		token:    token,
		httpClient: &http.Client{
			Timeout:   KBSearchTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (k *KBSearch) Name() string { return "kb_search" }

func (k *KBSearch) Description() string {
	return `Search the support knowledge base for help-center articles. Use this to confirm
product behavior and find documented steps before writing a reply to the customer.
Returns article titles, links and a short excerpt of each body.`
}

func (k *KBSearch) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {
                "type": "string",
                "description": "Free-text search terms"
            },
            "limit": {
                "type": "integer",
                "description": "Maximum number of articles to return (1-10, default 5)"
            }
        },
        "required": ["query"]
    }`)
}

type kbArticle struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
	Body  string `json:"body"`
}

func (k *KBSearch) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Query string `json:"query"`
		Limit int    `json:"limit,omitempty"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	input.Query = strings.TrimSpace(input.Query)
	if input.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	switch {
	case input.Limit <= 0:
		input.Limit = kbDefaultLimit
	case input.Limit > kbMaxLimit:
		input.Limit = kbMaxLimit
	}

	u, err := url.Parse(k.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/search"
	q := u.Query()
	q.Set("q", input.Query)
	q.Set("limit", strconv.Itoa(input.Limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if k.token != "" {
		req.Header.Set("Authorization", "Bearer "+k.token)
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge base search failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("knowledge base returned %d: %s", resp.StatusCode, string(body))
	}

	var kbResp struct {
		Articles []kbArticle `json:"articles"`
	}
	if err := json.Unmarshal(body, &kbResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	// keep the excerpt short so several articles fit in one turn
	articles := kbResp.Articles
	truncated := false
	if len(articles) > input.Limit {
		articles = articles[:input.Limit]
		truncated = true
	}
	results := make([]map[string]string, 0, len(articles))
	for _, a := range articles {
		results = append(results, map[string]string{
			"id":      a.ID,
			"title":   a.Title,
			"url":     a.URL,
			"excerpt": excerpt(a.Body, kbSnippetRunes),
		})
	}

	return json.Marshal(map[string]any{
		"query":        input.Query,
		"result_count": len(kbResp.Articles),
		"articles":     results,
		"truncated":    truncated,
	})
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
