package tushare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// APIError is a non-zero "code" in an otherwise well-formed response.
type APIError struct {
	API  string
	Code int64
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tushare %s: code %d: %s", e.API, e.Code, e.Msg)
}

// Frame is the column-major payload Tushare returns: one field list and
// positional items.
type Frame struct {
	Fields []string
	Items  [][]any
}

// Records turns the frame into one map per item keyed by field name.
func (f Frame) Records() []map[string]any {
	out := make([]map[string]any, 0, len(f.Items))
	for _, item := range f.Items {
		rec := make(map[string]any, len(f.Fields))
		for i, name := range f.Fields {
			if i < len(item) {
				rec[name] = item[i]
			}
		}
		out = append(out, rec)
	}
	return out
}

type queryBody struct {
	APIName string         `json:"api_name"`
	Token   string         `json:"token"`
	Params  map[string]any `json:"params"`
	Fields  string         `json:"fields"`
}

// Query calls one Tushare API. fields may be empty to get the API's defaults.
func (c *Client) Query(ctx context.Context, apiName string, params map[string]any, fields []string) (Frame, error) {
	if c.token == "" {
		return Frame{}, ErrNoToken
	}
	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(queryBody{
		APIName: apiName,
		Token:   c.token,
		Params:  params,
		Fields:  strings.Join(fields, ","),
	})
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s request: %w", apiName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return Frame{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header = c.header.Clone()
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return Frame{}, fmt.Errorf("performing request: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusUnauthorized:
		return Frame{}, fmt.Errorf("tushare %s: unauthorized", apiName)
	case http.StatusTooManyRequests:
		return Frame{}, fmt.Errorf("tushare %s: rate limited", apiName)
	default:
		return Frame{}, fmt.Errorf("tushare %s: unexpected status code: %d", apiName, res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Frame{}, fmt.Errorf("reading %s response: %w", apiName, err)
	}
	return parseFrame(apiName, body)
}

// parseFrame reads
//
//	{"code":0,"msg":"","data":{"fields":["ts_code",...],"items":[["000001.SZ",...],...]}}
func parseFrame(apiName string, body []byte) (Frame, error) {
	if !gjson.ValidBytes(body) {
		return Frame{}, fmt.Errorf("decoding %s response: invalid json", apiName)
	}
	root := gjson.ParseBytes(body)
	if code := root.Get("code").Int(); code != 0 {
		return Frame{}, &APIError{API: apiName, Code: code, Msg: root.Get("msg").String()}
	}

	var f Frame
	for _, name := range root.Get("data.fields").Array() {
		f.Fields = append(f.Fields, name.String())
	}
	for _, item := range root.Get("data.items").Array() {
		vals := item.Array()
		row := make([]any, len(vals))
		for i, v := range vals {
			row[i] = v.Value()
		}
		f.Items = append(f.Items, row)
	}
	return f, nil
}
