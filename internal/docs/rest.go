package docs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RESTProvider talks to the document service's HTTP API with a bearer token.
type RESTProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewREST builds a provider client against baseURL.
func NewREST(baseURL, token string) *RESTProvider {
	return &RESTProvider{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type restDocument struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type restRow struct {
	Index       int    `json:"index"`
	ID          string `json:"id"`
	Text        string `json:"text"`
	Status      string `json:"status"`
	ApprovalURL string `json:"approvalUrl"`
	Result      string `json:"result"`
	Error       string `json:"error"`
}

type restPatch struct {
	Index       int     `json:"index"`
	ID          *string `json:"id,omitempty"`
	Status      *string `json:"status,omitempty"`
	ApprovalURL *string `json:"approvalUrl,omitempty"`
	Result      *string `json:"result,omitempty"`
	Error       *string `json:"error,omitempty"`
}

func (p *RESTProvider) ListDocuments(ctx context.Context) ([]Ref, error) {
	var out []restDocument
	if err := p.do(ctx, http.MethodGet, "/documents", nil, &out); err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(out))
	for _, d := range out {
		refs = append(refs, Ref{DocID: d.ID, DisplayName: d.Name})
	}
	return refs, nil
}

func (p *RESTProvider) ReadCommandTable(ctx context.Context, docID string) ([]Row, error) {
	var out []restRow
	if err := p.do(ctx, http.MethodGet, "/documents/"+docID+"/commands", nil, &out); err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(out))
	for _, r := range out {
		rows = append(rows, Row{
			Index:       r.Index,
			ID:          r.ID,
			Text:        r.Text,
			Status:      r.Status,
			ApprovalURL: r.ApprovalURL,
			Result:      r.Result,
			Error:       r.Error,
		})
	}
	return rows, nil
}

func (p *RESTProvider) ApplyRowPatches(ctx context.Context, docID string, patches []RowPatch) error {
	body := make([]restPatch, 0, len(patches))
	for _, patch := range patches {
		body = append(body, restPatch{
			Index:       patch.Index,
			ID:          patch.ID,
			Status:      patch.Status,
			ApprovalURL: patch.ApprovalURL,
			Result:      patch.Result,
			Error:       patch.Error,
		})
	}
	return p.do(ctx, http.MethodPatch, "/documents/"+docID+"/commands", body, nil)
}

func (p *RESTProvider) AppendRow(ctx context.Context, docID string, row Row) error {
	body := restRow{
		ID:          row.ID,
		Text:        row.Text,
		Status:      row.Status,
		ApprovalURL: row.ApprovalURL,
		Result:      row.Result,
		Error:       row.Error,
	}
	return p.do(ctx, http.MethodPost, "/documents/"+docID+"/commands", body, nil)
}

func (p *RESTProvider) WriteConfig(ctx context.Context, docID, key, value string) error {
	body := map[string]string{"value": value}
	return p.do(ctx, http.MethodPut, "/documents/"+docID+"/config/"+key, body, nil)
}

func (p *RESTProvider) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
