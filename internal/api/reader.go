package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/llm-reader/internal/crawler"
)

const maxBodyBytes = 1 << 20

// envelope is the JSON success body.
type envelope struct {
	Code   int `json:"code"`
	Status int `json:"status"`
	Data   any `json:"data"`
}

// errorBody is the JSON failure body.
type errorBody struct {
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

var collapsedScheme = regexp.MustCompile(`^(?i)(https?):/+`)

// read crawls the target named by the request path (or the POST url field)
// and writes the formatted result.
func (s *Server) read(w http.ResponseWriter, r *http.Request) {
	asJSON := wantsJSON(r)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	target, err := targetFromRequest(r)
	if err != nil {
		s.writeError(w, asJSON, &crawler.Error{Kind: crawler.KindInvalidInput, Msg: "Invalid request body", Err: err})
		return
	}

	opts, err := crawler.ParseOptions(r, s.deps.Crawler.Settings().Defaults)
	if err != nil {
		s.writeError(w, asJSON, err)
		return
	}
	asJSON = opts.JSON

	res, err := s.deps.Crawler.Crawl(r.Context(), target, opts)
	if err != nil {
		s.writeError(w, asJSON, err)
		return
	}
	if asJSON {
		writeJSON(w, s.logger, http.StatusOK, envelope{Code: http.StatusOK, Status: 20000, Data: res.Data()})
		return
	}
	writeText(w, s.logger, http.StatusOK, res.Body())
}

func (s *Server) writeError(w http.ResponseWriter, asJSON bool, err error) {
	cerr := crawler.AsError(err)
	status := cerr.Kind.HTTPStatus()
	if cerr.Kind.Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	if asJSON {
		writeJSON(w, s.logger, status, errorBody{Code: status, Name: errorName(cerr.Kind), Message: cerr.Message()})
		return
	}
	writeText(w, s.logger, status, cerr.Message())
}

func errorName(kind crawler.ErrorKind) string {
	switch kind {
	case crawler.KindInvalidInput:
		return "ParamValidationError"
	case crawler.KindNotFound:
		return "ResourceNotFoundError"
	case crawler.KindBlocked:
		return "SecurityCompromiseError"
	case crawler.KindDisallowed:
		return "RobotsTxtDisallowedError"
	case crawler.KindQueueTimeout:
		return "QueueTimeoutError"
	case crawler.KindQueueFull:
		return "TooManyRequestsError"
	case crawler.KindServiceCrippled:
		return "ServiceCrippledError"
	case crawler.KindExtraction:
		return "AssertionFailureError"
	default:
		return "NavigationError"
	}
}

// targetFromRequest rebuilds the target URL from the path and the query
// parameters that are not reader options. A POST body url field wins.
func targetFromRequest(r *http.Request) (string, error) {
	if r.Method == http.MethodPost {
		if target, err := postedURL(r); err != nil || target != "" {
			return target, err
		}
	}
	target := strings.TrimPrefix(r.URL.EscapedPath(), "/")
	if unescaped, err := url.PathUnescape(target); err == nil {
		target = unescaped
	}
	target = collapsedScheme.ReplaceAllString(target, "$1://")
	if q := targetQuery(r.URL.RawQuery); q != "" {
		target += "?" + q
	}
	return target, nil
}

func postedURL(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimSpace(body.URL), nil
	}
	if err := r.ParseForm(); err != nil {
		return "", err
	}
	return strings.TrimSpace(r.PostForm.Get("url")), nil
}

// targetQuery drops x-* option parameters and keeps everything else in its
// original order and encoding.
func targetQuery(raw string) string {
	if raw == "" {
		return ""
	}
	var kept []string
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		key, _, _ := strings.Cut(part, "=")
		if name, err := url.QueryUnescape(key); err == nil {
			key = name
		}
		if strings.HasPrefix(strings.ToLower(key), "x-") {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "&")
}
