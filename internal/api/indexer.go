package api

import (
	"encoding/xml"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/NamanBalaji/sharebridge/internal/logger"
	"github.com/NamanBalaji/sharebridge/internal/search"
)

const (
	newznabNS      = "http://www.newznab.com/DTD/2010/feeds/attributes/"
	defaultResults = 100

	catMovies = 2000
	catTV     = 5000
)

// indexer protocol error codes
const (
	codeBadCredentials  = 100
	codeMissingParam    = 200
	codeBadParam        = 201
	codeNoFunction      = 203
	codeProviderFailure = 900
)

type indexerError struct {
	XMLName     xml.Name `xml:"error"`
	Code        int      `xml:"code,attr"`
	Description string   `xml:"description,attr"`
}

type capsServer struct {
	Version string `xml:"version,attr"`
	Title   string `xml:"title,attr"`
}

type capsLimits struct {
	Max     int `xml:"max,attr"`
	Default int `xml:"default,attr"`
}

type capsSearch struct {
	Available string `xml:"available,attr"`
	Params    string `xml:"supportedParams,attr"`
}

type capsCategory struct {
	ID   int    `xml:"id,attr"`
	Name string `xml:"name,attr"`
}

type capsSearching struct {
	Search      capsSearch `xml:"search"`
	TVSearch    capsSearch `xml:"tv-search"`
	MovieSearch capsSearch `xml:"movie-search"`
}

type caps struct {
	XMLName    xml.Name       `xml:"caps"`
	Server     capsServer     `xml:"server"`
	Limits     capsLimits     `xml:"limits"`
	Searching  capsSearching  `xml:"searching"`
	Categories []capsCategory `xml:"categories>category"`
}

type rss struct {
	XMLName xml.Name `xml:"rss"`
	Version string   `xml:"version,attr"`
	NS      string   `xml:"xmlns:newznab,attr"`
	Channel channel  `xml:"channel"`
}

type channel struct {
	Title    string       `xml:"title"`
	Response feedResponse `xml:"newznab:response"`
	Items    []feedItem   `xml:"item"`
}

type feedResponse struct {
	Offset int `xml:"offset,attr"`
	Total  int `xml:"total,attr"`
}

type feedItem struct {
	Title     string     `xml:"title"`
	GUID      string     `xml:"guid"`
	Link      string     `xml:"link"`
	PubDate   string     `xml:"pubDate,omitempty"`
	Category  int        `xml:"category"`
	Enclosure enclosure  `xml:"enclosure"`
	Attrs     []feedAttr `xml:"newznab:attr"`
}

type enclosure struct {
	URL    string `xml:"url,attr"`
	Length int64  `xml:"length,attr"`
	Type   string `xml:"type,attr"`
}

type feedAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// handleIndexer serves the indexer protocol at /indexer/api. It only
// relays the search provider's candidates and never creates tasks.
func (s *Server) handleIndexer(w http.ResponseWriter, r *http.Request) {
	t := r.FormValue("t")

	if t == "caps" {
		writeXML(w, http.StatusOK, capsDocument())
		return
	}

	if !s.authorized(r) {
		writeXML(w, http.StatusForbidden, indexerError{Code: codeBadCredentials, Description: "Incorrect user credentials"})
		return
	}

	q, err := parseQuery(r)
	if err != nil {
		writeXML(w, http.StatusBadRequest, err)
		return
	}

	results, serr := s.provider.Search(r.Context(), q)
	if serr != nil {
		logger.Warnf("Search for %q failed: %v", q.Text, serr)

		code := http.StatusBadGateway
		if errors.Is(serr, search.ErrUnavailable) {
			code = http.StatusServiceUnavailable
		}

		writeXML(w, code, indexerError{Code: codeProviderFailure, Description: serr.Error()})

		return
	}

	writeXML(w, http.StatusOK, feed(q, results))
}

func parseQuery(r *http.Request) (search.Query, *indexerError) {
	q := search.Query{Text: r.FormValue("q"), Limit: defaultResults}

	switch t := r.FormValue("t"); t {
	case "search":
		q.Kind = search.KindGeneric
	case "movie":
		q.Kind = search.KindMovie
	case "tvsearch":
		q.Kind = search.KindTV
	case "":
		return q, &indexerError{Code: codeMissingParam, Description: "Missing parameter (t)"}
	default:
		return q, &indexerError{Code: codeNoFunction, Description: "Function not available: " + t}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"season", &q.Season},
		{"ep", &q.Episode},
		{"limit", &q.Limit},
		{"offset", &q.Offset},
	}

	for _, p := range ints {
		raw := r.FormValue(p.name)
		if raw == "" {
			continue
		}

		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, &indexerError{Code: codeBadParam, Description: "Incorrect parameter (" + p.name + ")"}
		}

		*p.dst = n
	}

	if q.Limit == 0 || q.Limit > defaultResults {
		q.Limit = defaultResults
	}

	return q, nil
}

func capsDocument() caps {
	return caps{
		Server: capsServer{Version: Version, Title: "sharebridge"},
		Limits: capsLimits{Max: defaultResults, Default: defaultResults},
		Searching: capsSearching{
			Search:      capsSearch{Available: "yes", Params: "q"},
			TVSearch:    capsSearch{Available: "yes", Params: "q,season,ep"},
			MovieSearch: capsSearch{Available: "yes", Params: "q"},
		},
		Categories: []capsCategory{
			{ID: catMovies, Name: "Movies"},
			{ID: catTV, Name: "TV"},
		},
	}
}

func feed(q search.Query, results []search.Result) rss {
	doc := rss{
		Version: "2.0",
		NS:      newznabNS,
		Channel: channel{
			Title:    "sharebridge",
			Response: feedResponse{Offset: q.Offset, Total: len(results)},
			Items:    make([]feedItem, 0, len(results)),
		},
	}

	for _, res := range results {
		item := feedItem{
			Title:    res.Title,
			GUID:     res.ShareURL,
			Link:     res.ShareURL,
			Category: categoryID(q.Kind, res),
			Enclosure: enclosure{
				URL:    res.ShareURL,
				Length: res.SizeBytes,
				Type:   "application/x-nzb",
			},
			Attrs: []feedAttr{
				{Name: "category", Value: strconv.Itoa(categoryID(q.Kind, res))},
				{Name: "size", Value: strconv.FormatInt(res.SizeBytes, 10)},
				{Name: "score", Value: strconv.FormatFloat(res.Score, 'f', -1, 64)},
			},
		}

		if !res.PublishedAt.IsZero() {
			item.PubDate = res.PublishedAt.UTC().Format(time.RFC1123Z)
		}

		if res.Season > 0 {
			item.Attrs = append(item.Attrs, feedAttr{Name: "season", Value: strconv.Itoa(res.Season)})
		}

		if res.Episode > 0 {
			item.Attrs = append(item.Attrs, feedAttr{Name: "episode", Value: strconv.Itoa(res.Episode)})
		}

		doc.Channel.Items = append(doc.Channel.Items, item)
	}

	return doc
}

func categoryID(kind search.Kind, res search.Result) int {
	switch {
	case kind == search.KindTV, res.Season > 0, res.Category == "tv":
		return catTV
	default:
		return catMovies
	}
}

func writeXML(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(code)

	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return
	}

	if err := xml.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("Failed to write feed: %v", err)
	}
}
