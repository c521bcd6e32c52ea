package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rickgao/ibkr-data/internal/auth"
	"github.com/rickgao/ibkr-data/internal/model"
)

// DefaultPageSize is the positions page size used by the gateway.
const DefaultPageSize = 100

// maxPages stops runaway pagination against a misbehaving gateway.
const maxPages = 1000

// Path parameters understood by the default endpoints.
const (
	ParamAccountID = "accountId"
	ParamPage      = "page"
)

// Endpoint describes one gateway resource.
type Endpoint struct {
	Name     string `yaml:"name"`
	Method   string `yaml:"method"`
	Path     string `yaml:"path"`     // May contain {accountId} and {page}
	Envelope string `yaml:"envelope"` // gjson path to the records array, "" for the whole body
	Paged    bool   `yaml:"paged"`    // Iterate {page} from 0 until a short page
}

// DefaultEndpoints returns the gateway resources per entity type.
func DefaultEndpoints() map[model.EntityType]Endpoint {
	return map[model.EntityType]Endpoint{
		model.EntityAccounts: {
			Name:   "accounts",
			Method: http.MethodGet,
			Path:   "/portfolio/accounts",
		},
		model.EntityPositions: {
			Name:   "positions",
			Method: http.MethodGet,
			Path:   "/portfolio/{accountId}/positions/{page}",
			Paged:  true,
		},
		model.EntityExecutions: {
			Name:   "trades",
			Method: http.MethodGet,
			Path:   "/iserver/account/trades",
		},
		model.EntityCashTransactions: {
			Name:     "transactions",
			Method:   http.MethodPost,
			Path:     "/pa/transactions",
			Envelope: "transactions",
		},
		model.EntityAccountSummaries: {
			Name:   "summary",
			Method: http.MethodGet,
			Path:   "/portfolio/{accountId}/summary",
		},
	}
}

// Params are the per-call inputs of an endpoint.
type Params struct {
	Path  map[string]string // Values for {placeholders}
	Query url.Values
	Body  any // JSON-encoded when non-nil
}

// Payload is a decoded response: the records it carries plus the raw body.
type Payload struct {
	Records   []json.RawMessage
	Body      []byte
	CSRFToken string // X-CSRF-TOKEN returned by the gateway, if any
}

func (e Endpoint) resolve(p Params) (string, error) {
	path := e.Path
	for k, v := range p.Path {
		path = strings.ReplaceAll(path, "{"+k+"}", url.PathEscape(v))
	}
	if i := strings.Index(path, "{"); i >= 0 {
		j := strings.Index(path[i:], "}")
		name := path[i:]
		if j > 0 {
			name = path[i : i+j+1]
		}
		return "", &RequestError{Endpoint: e.Name, Err: fmt.Errorf("%w %s", errUnresolved, name)}
	}
	return path, nil
}

// Fetch performs one call and decodes its records.
func (c *Client) Fetch(ctx context.Context, sess auth.Session, ep Endpoint, p Params) (*Payload, error) {
	path, err := ep.resolve(p)
	if err != nil {
		c.transition(Transition{Endpoint: ep.Name, Attempt: 1, State: StateFailed, Err: err})
		return nil, err
	}
	body, err := encodeBody(p.Body)
	if err != nil {
		return nil, &RequestError{Endpoint: ep.Name, Err: err}
	}
	method := ep.Method
	if method == "" {
		method = http.MethodGet
	}

	resp, err := c.doWithRetry(ctx, ep.Name, func(ctx context.Context) (*response, error) {
		return c.doRequest(ctx, sess, method, path, p.Query, body)
	})
	if err != nil {
		return nil, err
	}

	records, err := decodeRecords(resp.body, ep.Envelope)
	if err != nil {
		return nil, &SchemaError{Endpoint: ep.Name, Err: err}
	}
	return &Payload{Records: records, Body: resp.body, CSRFToken: resp.csrfToken}, nil
}

// FetchAll fetches every page of a paged endpoint, or makes a single call
// for an unpaged one. The CSRF token seen last is carried forward.
func (c *Client) FetchAll(ctx context.Context, sess auth.Session, ep Endpoint, p Params) (*Payload, error) {
	if !ep.Paged {
		return c.Fetch(ctx, sess, ep, p)
	}

	all := &Payload{}
	for page := 0; page < maxPages; page++ {
		pp := p
		pp.Path = make(map[string]string, len(p.Path)+1)
		for k, v := range p.Path {
			pp.Path[k] = v
		}
		pp.Path[ParamPage] = strconv.Itoa(page)

		payload, err := c.Fetch(ctx, sess, ep, pp)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		all.Records = append(all.Records, payload.Records...)
		all.Body = payload.Body
		if payload.CSRFToken != "" {
			all.CSRFToken = payload.CSRFToken
			sess = sess.WithCSRFToken(payload.CSRFToken)
		}
		if len(payload.Records) < c.pageSize {
			return all, nil
		}
	}
	return nil, &SchemaError{Endpoint: ep.Name, Err: fmt.Errorf("more than %d pages", maxPages)}
}

var errEnvelope = errors.New("envelope not found")

// decodeRecords accepts a top-level array, an envelope array, a single
// object, or an empty body/null (no records).
func decodeRecords(body []byte, envelope string) ([]json.RawMessage, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid JSON")
	}
	node := gjson.ParseBytes(body)
	if envelope != "" {
		node = node.Get(envelope)
		if !node.Exists() {
			return nil, fmt.Errorf("%w: %q", errEnvelope, envelope)
		}
	}

	switch {
	case node.IsArray():
		// Elements are passed through as-is; a malformed element is the
		// normalizer's to reject, not a reason to drop the whole page.
		var out []json.RawMessage
		node.ForEach(func(_, v gjson.Result) bool {
			out = append(out, json.RawMessage(v.Raw))
			return true
		})
		return out, nil
	case node.IsObject():
		return []json.RawMessage{json.RawMessage(node.Raw)}, nil
	case node.Type == gjson.Null:
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected %s payload", node.Type)
}
