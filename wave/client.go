// Package wave talks to the CRM Analytics REST API: dataset discovery,
// field metadata, and SAQL query execution.
package wave

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/andbeder/ClinicalGenius/errors"
)

// TokenProvider supplies the bearer token for each request. Token refresh
// and credential storage live behind this interface; the client only asks.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider for a fixed, externally managed token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("analytics access token not configured")
	}
	return string(s), nil
}

// Dataset is one CRM Analytics dataset as listed by the API.
type Dataset struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Label            string `json:"label"`
	CurrentVersionID string `json:"currentVersionId"`
	RowCount         int64  `json:"rowCount"`
	LastModifiedDate string `json:"lastModifiedDate,omitempty"`
}

// Field is one queryable column of a dataset, taken from the version XMD.
type Field struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Type     string `json:"type"`     // dimension or measure
	DataType string `json:"dataType"` // Text, Numeric, Date
}

// Client queries CRM Analytics over REST.
type Client struct {
	instanceURL string
	apiVersion  string
	tokens      TokenProvider
	httpClient  *http.Client
	log         *zap.SugaredLogger
}

// NewClient builds a client for the given Salesforce instance.
// timeout bounds individual REST calls, not whole batch executions.
func NewClient(instanceURL, apiVersion string, tokens TokenProvider, timeout time.Duration, log *zap.SugaredLogger) *Client {
	return &Client{
		instanceURL: instanceURL,
		apiVersion:  apiVersion,
		tokens:      tokens,
		httpClient:  &http.Client{Timeout: timeout},
		log:         log,
	}
}

// ListDatasets returns all datasets visible to the configured identity.
func (c *Client) ListDatasets(ctx context.Context) ([]Dataset, error) {
	var payload struct {
		Datasets []struct {
			ID               string `json:"id"`
			Name             string `json:"name"`
			Label            string `json:"label"`
			CurrentVersionID string `json:"currentVersionId"`
			TotalRows        int64  `json:"totalRows"`
			LastModifiedDate string `json:"lastModifiedDate"`
		} `json:"datasets"`
	}
	if err := c.get(ctx, c.url("wave/datasets"), &payload); err != nil {
		return nil, errors.Wrap(err, "failed to list datasets")
	}

	datasets := make([]Dataset, 0, len(payload.Datasets))
	for _, d := range payload.Datasets {
		label := d.Label
		if label == "" {
			label = d.Name
		}
		datasets = append(datasets, Dataset{
			ID:               d.ID,
			Name:             d.Name,
			Label:            label,
			CurrentVersionID: d.CurrentVersionID,
			RowCount:         d.TotalRows,
			LastModifiedDate: d.LastModifiedDate,
		})
	}
	return datasets, nil
}

// DatasetFields returns the dataset's columns from its main XMD, dimensions
// first, then measures.
func (c *Client) DatasetFields(ctx context.Context, datasetID string) ([]Field, error) {
	versionID, err := c.currentVersion(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	var xmd struct {
		Dimensions []struct {
			Field string `json:"field"`
			Label string `json:"label"`
			Type  string `json:"type"`
		} `json:"dimensions"`
		Measures []struct {
			Field string `json:"field"`
			Label string `json:"label"`
			Type  string `json:"type"`
		} `json:"measures"`
	}
	path := fmt.Sprintf("wave/datasets/%s/versions/%s/xmds/main", datasetID, versionID)
	if err := c.get(ctx, c.url(path), &xmd); err != nil {
		return nil, errors.Wrapf(err, "failed to fetch XMD for dataset %s", datasetID)
	}

	fields := make([]Field, 0, len(xmd.Dimensions)+len(xmd.Measures))
	for _, d := range xmd.Dimensions {
		fields = append(fields, Field{Name: d.Field, Label: orDefault(d.Label, d.Field), Type: "dimension", DataType: orDefault(d.Type, "Text")})
	}
	for _, m := range xmd.Measures {
		fields = append(fields, Field{Name: m.Field, Label: orDefault(m.Label, m.Field), Type: "measure", DataType: orDefault(m.Type, "Numeric")})
	}
	return fields, nil
}

// Query executes a SAQL query built from spec against the dataset's current
// version and returns rows as flat field-to-scalar mappings. The wave API
// wraps cell values in `{value: ...}` objects; those are unwrapped here so
// callers never see the transport encoding.
func (c *Client) Query(ctx context.Context, datasetID string, spec QuerySpec) ([]map[string]interface{}, error) {
	versionID, err := c.currentVersion(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	saql := BuildSAQL(datasetID, versionID, spec)
	c.log.Debugw("executing SAQL query", "dataset_id", datasetID, "query", saql)

	body, err := json.Marshal(map[string]string{"query": saql})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode query request")
	}

	var payload struct {
		Results struct {
			Records []map[string]interface{} `json:"records"`
		} `json:"results"`
	}
	if err := c.post(ctx, c.url("wave/query"), body, &payload); err != nil {
		return nil, errors.Wrap(err, "SAQL query failed")
	}

	rows := make([]map[string]interface{}, 0, len(payload.Results.Records))
	for _, record := range payload.Results.Records {
		flat := make(map[string]interface{}, len(record))
		for key, value := range record {
			if wrapped, ok := value.(map[string]interface{}); ok {
				if inner, ok := wrapped["value"]; ok {
					flat[key] = inner
					continue
				}
			}
			flat[key] = value
		}
		rows = append(rows, flat)
	}

	c.log.Infow("dataset query complete", "dataset_id", datasetID, "rows", len(rows))
	return rows, nil
}

func (c *Client) currentVersion(ctx context.Context, datasetID string) (string, error) {
	var payload struct {
		CurrentVersionID string `json:"currentVersionId"`
	}
	if err := c.get(ctx, c.url("wave/datasets/"+datasetID), &payload); err != nil {
		return "", errors.Wrapf(err, "failed to fetch dataset %s", datasetID)
	}
	if payload.CurrentVersionID == "" {
		return "", errors.Newf("dataset %s has no current version", datasetID)
	}
	return payload.CurrentVersionID, nil
}

func (c *Client) url(path string) string {
	return fmt.Sprintf("%s/services/data/%s/%s", c.instanceURL, c.apiVersion, path)
}

func (c *Client) get(ctx context.Context, url string, out interface{}) error {
	return c.do(ctx, http.MethodGet, url, nil, out)
}

func (c *Client) post(ctx context.Context, url string, body []byte, out interface{}) error {
	return c.do(ctx, http.MethodPost, url, body, out)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to obtain access token")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "analytics request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Newf("analytics API returned status %d: %s", resp.StatusCode, string(detail))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode analytics response")
	}
	return nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
