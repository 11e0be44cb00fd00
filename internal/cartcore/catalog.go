package cartcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultPartitions are the catalog partitions a stock storefront ships
// with. Callers with other category files override this list.
var DefaultPartitions = []string{"food", "school-supplies", "general-merchandise", "bbq"}

// catalogSchema constrains a partition payload to an array of
// product-shaped records. A payload that fails validation is treated
// the same as a parse error: that partition contributes nothing.
const catalogSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["name"],
		"properties": {
			"id": {"type": "string"},
			"name": {"type": "string", "minLength": 1},
			"price": {"type": "number", "minimum": 0},
			"originalPrice": {"type": "number", "minimum": 0},
			"stock": {"type": "integer", "minimum": 0},
			"category": {"type": "string"},
			"subcategory": {"type": "string"},
			"brand": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "string"}}
		}
	}
}`

type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.URL)
}

// CatalogClient fetches one named catalog partition.
type CatalogClient interface {
	FetchPartition(ctx context.Context, name string) ([]Product, error)
}

// HTTPCatalogClient reads partitions as JSON arrays from
// <base>/data/<name>.json, retrying transient failures.
type HTTPCatalogClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
}

func NewHTTPCatalogClient(baseURL string, httpClient *http.Client) *HTTPCatalogClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPCatalogClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPCatalogClient) compiledSchema() (*jsonschema.Schema, error) {
	c.schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(catalogSchema))
		if err != nil {
			c.schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("catalog.json", doc); err != nil {
			c.schemaErr = err
			return
		}
		c.schema, c.schemaErr = compiler.Compile("catalog.json")
	})
	return c.schema, c.schemaErr
}

func (c *HTTPCatalogClient) FetchPartition(ctx context.Context, name string) ([]Product, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidInput
	}
	payload, err := c.get(ctx, fmt.Sprintf("/data/%s.json", url.PathEscape(name)))
	if err != nil {
		return nil, err
	}
	schema, err := c.compiledSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("partition %s: %w", name, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("partition %s: %w", name, err)
	}
	var products []Product
	if err := json.Unmarshal(payload, &products); err != nil {
		return nil, fmt.Errorf("partition %s: %w", name, err)
	}
	return products, nil
}

func (c *HTTPCatalogClient) get(ctx context.Context, requestPath string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: c.baseURL + requestPath}
	}
}

func (c *HTTPCatalogClient) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PartitionError reports a partition that contributed nothing to a load.
type PartitionError struct {
	Partition string
	Err       error
}

func (e PartitionError) Error() string {
	return fmt.Sprintf("partition %s: %v", e.Partition, e.Err)
}

func (e PartitionError) Unwrap() error {
	return e.Err
}

// Catalog loads authoritative product records across named partitions.
// It is a pure read: nothing here writes stock back.
type Catalog struct {
	client CatalogClient
	logger Logger
}

func NewCatalog(client CatalogClient, logger Logger) *Catalog {
	return &Catalog{client: client, logger: logger}
}

// LoadPartitions fetches every named partition concurrently and
// concatenates the successful results in partition order. A failed
// partition contributes zero products and is reported in the returned
// error list; it never aborts the others.
func (c *Catalog) LoadPartitions(ctx context.Context, names []string) ([]Product, []PartitionError) {
	if len(names) == 0 {
		names = DefaultPartitions
	}
	results := make([][]Product, len(names))
	failures := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			products, err := c.client.FetchPartition(ctx, name)
			if err != nil {
				failures[i] = err
				return
			}
			results[i] = products
		}(i, name)
	}
	wg.Wait()

	var products []Product
	var errs []PartitionError
	for i, name := range names {
		if failures[i] != nil {
			if c.logger != nil {
				c.logger.Printf("catalog partition %s unavailable: %v", name, failures[i])
			}
			errs = append(errs, PartitionError{Partition: name, Err: failures[i]})
			continue
		}
		products = append(products, results[i]...)
	}
	return products, errs
}
