package newsapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mohans/newsdigest/apperr"
	"github.com/mohans/newsdigest/params"
)

func TestSearch_QueryAndNormalization(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","totalResults":3,"articles":[
			{"source":{"id":null,"name":"Reuters"},"author":"<b>Jane</b>","title":"Markets &amp; <i>rates</i>","description":"","url":"https://r.example/1","urlToImage":null,"publishedAt":"2025-01-01T08:00:00Z","content":null},
			{"source":{"id":null,"name":"[Removed]"},"author":null,"title":"[Removed]","description":null,"url":"https://removed.com","urlToImage":null,"publishedAt":"1970-01-01T00:00:00Z","content":null},
			{"source":{"id":"bbc","name":"BBC"},"author":null,"title":"","description":null,"url":"https://b.example/2","urlToImage":null,"publishedAt":"2025-01-01T09:00:00Z","content":null}
		]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"}, srv.Client())
	articles, err := c.Search(context.Background(), params.New("us", "business", "fed rates"))
	require.NoError(t, err)

	require.Equal(t, "/top-headlines", got.URL.Path)
	require.Equal(t, "k", got.Header.Get("X-Api-Key"))
	q := got.URL.Query()
	require.Equal(t, "50", q.Get("pageSize"))
	require.Equal(t, "us", q.Get("country"))
	require.Equal(t, "business", q.Get("category"))
	require.Equal(t, "fed rates", q.Get("q"))

	require.Len(t, articles, 1)
	a := articles[0]
	require.Equal(t, "Markets & rates", a.Title)
	require.Equal(t, "Jane", *a.Author)
	require.Nil(t, a.Description)
	require.Equal(t, "Reuters", a.Source.Name)
}

func TestSearch_OmitsUnsetParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.False(t, r.URL.Query().Has("country"))
		require.False(t, r.URL.Query().Has("category"))
		_, _ = w.Write([]byte(`{"status":"ok","totalResults":0,"articles":[]}`))
	}))
	defer srv.Close()
	articles, err := New(Config{BaseURL: srv.URL}, srv.Client()).Search(context.Background(), params.New("", "", "ai"))
	require.NoError(t, err)
	require.Empty(t, articles)
}

func TestSearch_ErrorClassification(t *testing.T) {
	cases := []struct {
		status     int
		validation bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusBadRequest, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"status":"error","code":"someCode","message":"nope"}`))
		}))
		_, err := New(Config{BaseURL: srv.URL}, srv.Client()).Search(context.Background(), params.New("us", "", ""))
		srv.Close()
		require.Error(t, err)
		require.Equal(t, tc.validation, apperr.IsKind(err, apperr.KindValidation), "status %d", tc.status)
		require.ErrorContains(t, err, "someCode")
	}
}
