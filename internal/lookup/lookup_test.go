package lookup

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicIP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("  203.0.113.7\n"))
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	ip, err := c.PublicIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", ip)
}

func TestPublicIPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/empty" {
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL+"/bad", "", time.Second).PublicIP(context.Background())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)

	_, err = New(srv.URL+"/empty", "", time.Second).PublicIP(context.Background())
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGeolocateFiltersFields(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","query":"8.8.8.8","country":"United States","lat":37.4,"mobile":false,"proxy":false}`))
	}))
	defer srv.Close()

	c := New("", srv.URL+"/json/", time.Second)
	geo, err := c.Geolocate(context.Background(), "8.8.8.8")
	require.NoError(t, err)

	assert.Equal(t, "/json/8.8.8.8", gotPath)
	assert.Len(t, geo, len(GeoFields))
	assert.Equal(t, "United States", geo["country"])
	assert.Equal(t, 37.4, geo["lat"])
	assert.NotContains(t, geo, "mobile")
	assert.Contains(t, geo, "zip")
	assert.Nil(t, geo["zip"])
}

func TestGeolocateUpstreamFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"fail","message":"invalid query","query":"nope"}`))
	}))
	defer srv.Close()

	_, err := New("", srv.URL+"/", time.Second).Geolocate(context.Background(), "nope")
	var fail *UpstreamFailError
	require.True(t, errors.As(err, &fail))
	assert.Equal(t, "invalid query", fail.Message)
	assert.Equal(t, "nope", fail.Body["query"])
}

func TestGeolocateInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	_, err := New("", srv.URL+"/", time.Second).Geolocate(context.Background(), "1.1.1.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode geolocation response")
}

func TestGeolocateCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/bad" {
			_, _ = w.Write([]byte(`{"status":"fail","message":"reserved range"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","query":"8.8.8.8","city":"Mountain View"}`))
	}))
	defer srv.Close()

	c := New("", srv.URL+"/", time.Second, WithGeoCacheTTL(time.Minute))
	defer c.Close()

	first, err := c.Geolocate(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	first["city"] = "mutated"

	second, err := c.Geolocate(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "Mountain View", second["city"])
	assert.Equal(t, int32(1), hits.Load())

	_, err = c.Geolocate(context.Background(), "bad")
	require.Error(t, err)
	_, err = c.Geolocate(context.Background(), "bad")
	require.Error(t, err)
	assert.Equal(t, int32(3), hits.Load(), "failures are not cached")
}

func TestGeolocateCacheDisabled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"status":"success","query":"1.1.1.1"}`))
	}))
	defer srv.Close()

	c := New("", srv.URL+"/", time.Second)
	defer c.Close()
	for i := 0; i < 2; i++ {
		_, err := c.Geolocate(context.Background(), "1.1.1.1")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), hits.Load())
}
