package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSuccessDecodesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/nonces", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"abc123"}`))
	}))
	defer server.Close()

	client := New(server.URL)
	resp, err := client.Do(context.Background(), Request{Endpoint: "/nonces", Method: "POST"})
	require.NoError(t, err)

	var decoded struct {
		ID string `json:"id"`
	}
	require.NoError(t, resp.Unmarshal(&decoded))
	assert.Equal(t, "abc123", decoded.ID)
}

func TestDoNonRetriesOnHTTPStatus(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	client := New(server.URL)
	_, err := client.Do(context.Background(), Request{Endpoint: "/transfersessions", Method: "POST", Timeout: time.Millisecond})

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, 1, attempts, "non-2xx must not be retried")
}

func TestDoExhaustsRetriesOnConnectionFailure(t *testing.T) {
	client := New("http://127.0.0.1:1")
	_, err := client.Do(context.Background(), Request{
		Endpoint:   "/nonces",
		Method:     "POST",
		Timeout:    time.Millisecond,
		MaxRetries: 3,
	})

	assert.ErrorIs(t, err, ErrConnection)
}

func TestBuildURLComposesEndpointLookupAndQuery(t *testing.T) {
	client := New("https://peer.example.com")
	got, err := client.buildURL(Request{
		Endpoint: "/certificates",
		Lookup:   "abc",
		Query:    map[string][]string{"ancestors_of": {"abc"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://peer.example.com/certificatesabc/?ancestors_of=abc", got)
}
