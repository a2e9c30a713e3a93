package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pkt.systems/scribed/api"
)

type jsonDecodeOptions struct {
	allowEmpty       bool
	disallowUnknowns bool
}

func decodeJSONBody(body io.Reader, dst any, opts jsonDecodeOptions) error {
	if body == nil {
		if opts.allowEmpty {
			return nil
		}
		return io.EOF
	}
	dec := json.NewDecoder(body)
	if opts.disallowUnknowns {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if opts.allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON value")
}

// decodeRequest reads a bounded JSON body into dst.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	defer body.Close()
	if err := decodeJSONBody(body, dst, jsonDecodeOptions{disallowUnknowns: true}); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{Status: http.StatusRequestEntityTooLarge, Code: "body_too_large", Detail: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
		}
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: fmt.Sprintf("failed to parse request: %v", err)}
	}
	return nil
}

// tabID prefers the tab header over the body field.
func tabID(r *http.Request, fromBody string) string {
	if v := strings.TrimSpace(r.Header.Get(api.HeaderTabID)); v != "" {
		return v
	}
	return strings.TrimSpace(fromBody)
}

func requireTab(tab string) error {
	if tab == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_tab", Detail: "tab id required (" + api.HeaderTabID + " header or tab_id)"}
	}
	return nil
}

func requireResource(resource string) error {
	if strings.TrimSpace(resource) == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_resource", Detail: "resource is required"}
	}
	return nil
}
