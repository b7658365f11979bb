package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/knowgate/knowgate/internal/client"
)

// passthroughHeaders are inbound headers forwarded to dependencies.
var passthroughHeaders = []string{"Authorization", "Accept", "Content-Type", "X-Subject-Id"}

func outboundHeader(r *http.Request) http.Header {
	h := http.Header{}
	for _, name := range passthroughHeaders {
		if v := r.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	return h
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "VALIDATION_ERROR", "request body too large", "")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unreadable request body", "")
		return nil, false
	}
	return body, true
}

// requireJSON rejects bodies that are not a JSON object or array.
func requireJSON(w http.ResponseWriter, body []byte) bool {
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "request body must be valid JSON", "")
		return false
	}
	return true
}

// dispatch runs the client pipeline and writes the response or error.
func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request, service string, req *client.Request) {
	resp, err := g.client.Call(r.Context(), service, req)
	if err != nil {
		g.writeClientError(w, r, err)
		return
	}

	h := w.Header()
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		h.Set("Content-Type", ct)
	} else {
		h.Set("Content-Type", "application/json")
	}
	if req.Method == http.MethodGet && !req.NoCache {
		if resp.CacheHit {
			h.Set("X-Cache", "HIT")
		} else {
			h.Set("X-Cache", "MISS")
		}
	}

	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (g *Gateway) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "query parameter q is required", "")
		return
	}

	query := url.Values{"q": {q}}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		query.Set("limit", limit)
	}

	g.dispatch(w, r, depSearch, &client.Request{
		Method: http.MethodGet,
		Path:   "/search",
		Query:  query,
		Header: outboundHeader(r),
	})
}

func (g *Gateway) handleListSources(w http.ResponseWriter, r *http.Request) {
	g.dispatch(w, r, depConnector, &client.Request{
		Method: http.MethodGet,
		Path:   "/sources",
		Query:  r.URL.Query(),
		Header: outboundHeader(r),
	})
}

func (g *Gateway) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok || !requireJSON(w, body) {
		return
	}

	g.dispatch(w, r, depConnector, &client.Request{
		Method: http.MethodPost,
		Path:   "/sources",
		Header: outboundHeader(r),
		Body:   body,
	})
}

func (g *Gateway) handleGetSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "source id is required", "")
		return
	}

	g.dispatch(w, r, depConnector, &client.Request{
		Method: http.MethodGet,
		Path:   "/sources/" + url.PathEscape(id),
		Header: outboundHeader(r),
	})
}

func (g *Gateway) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "source id is required", "")
		return
	}

	g.dispatch(w, r, depConnector, &client.Request{
		Method: http.MethodDelete,
		Path:   "/sources/" + url.PathEscape(id),
		Header: outboundHeader(r),
	})
}

func (g *Gateway) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "entity id is required", "")
		return
	}

	g.dispatch(w, r, depGraph, &client.Request{
		Method: http.MethodGet,
		Path:   "/entities/" + url.PathEscape(id),
		Query:  r.URL.Query(),
		Header: outboundHeader(r),
	})
}

func (g *Gateway) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok || !requireJSON(w, body) {
		return
	}

	g.dispatch(w, r, depEmbeddings, &client.Request{
		Method: http.MethodPost,
		Path:   "/embeddings",
		Header: outboundHeader(r),
		Body:   body,
	})
}

func (g *Gateway) handleTool(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	if tool == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "tool name is required", "")
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if len(body) > 0 && !requireJSON(w, body) {
		return
	}

	g.dispatch(w, r, depTools, &client.Request{
		Method: http.MethodPost,
		Path:   "/tools/" + url.PathEscape(tool),
		Header: outboundHeader(r),
		Body:   body,
	})
}

func (g *Gateway) handleSync(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if len(body) > 0 && !requireJSON(w, body) {
		return
	}

	g.dispatch(w, r, depConnector, &client.Request{
		Method: http.MethodPost,
		Path:   "/sync",
		Header: outboundHeader(r),
		Body:   body,
	})
}
