package request

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// Params extracts the request parameters according to the method and
// Content-Type of the request.
func (r *Reader) Params() (any, error) {
	switch r.Method() {
	case http.MethodGet:
		return QueryParams(r.req.URL.RawQuery), nil
	case http.MethodPost:
		contentType := r.ContentType()
		switch {
		case strings.Contains(contentType, ContentTypeMultipart):
			return r.multipartParams()
		case strings.Contains(contentType, ContentTypeURLEncoded):
			return r.formParams()
		default:
			raw, err := r.RawBody()
			if err != nil {
				return nil, err
			}
			return DecodeJSON(raw), nil
		}
	default:
		return nil, nil
	}
}

// QueryParams decodes a raw query string into a flat parameter map. Plain keys
// keep their last value; keys ending in "[]" collect every value into a
// []string. The result is never nil.
//
// List values stay JSON arrays after binding. They are not re-keyed into
// objects with "0", "1", ... keys, so body fields for them are slices.
func QueryParams(rawQuery string) map[string]any {
	if rawQuery == "" {
		return map[string]any{}
	}
	// Malformed pairs are skipped; the remaining pairs are still usable.
	values, _ := url.ParseQuery(rawQuery)
	return FlattenValues(values)
}

// FlattenValues converts url.Values into the parameter map shape shared by
// query strings and form bodies.
func FlattenValues(values url.Values) map[string]any {
	out := make(map[string]any, len(values))

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	// Plain keys sort before their "[]" forms, so list values win on collision.
	sort.Strings(keys)

	for _, key := range keys {
		vals := values[key]
		if name, ok := strings.CutSuffix(key, "[]"); ok {
			if name == "" {
				continue
			}
			out[name] = append([]string(nil), vals...)
			continue
		}
		if key == "" || len(vals) == 0 {
			continue
		}
		out[key] = vals[len(vals)-1]
	}
	return out
}

// DecodeJSON decodes a raw body. Empty or invalid JSON yields nil. Numbers are
// kept as json.Number so integer precision survives body mapping.
func DecodeJSON(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return nil
	}
	return v
}

func (r *Reader) formParams() (map[string]any, error) {
	r.limitBody()
	if err := r.req.ParseForm(); err != nil {
		return r.formError(err)
	}
	return FlattenValues(r.req.PostForm), nil
}

func (r *Reader) multipartParams() (map[string]any, error) {
	r.limitBody()
	if err := r.req.ParseMultipartForm(defaultMaxMemory); err != nil {
		return r.formError(err)
	}
	if r.req.MultipartForm == nil {
		return map[string]any{}, nil
	}
	return FlattenValues(url.Values(r.req.MultipartForm.Value)), nil
}

// limitBody caps form parsing at the configured body size.
func (r *Reader) limitBody() {
	if r.req.Body != nil && r.req.Body != http.NoBody {
		r.req.Body = http.MaxBytesReader(nil, r.req.Body, r.maxBodyBytes)
	}
}

// formError reports an oversized body as ErrBodyTooLarge. Any other parse
// failure yields empty params.
func (r *Reader) formError(err error) (map[string]any, error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, r.maxBodyBytes)
	}
	return map[string]any{}, nil
}
