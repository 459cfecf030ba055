package entropy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeededIsDeterministic(t *testing.T) {
	a, b := Seeded(42), Seeded(42)
	for i := 0; i < 100; i++ {
		x := a.Float()
		require.Equal(t, x, b.Float())
		require.GreaterOrEqual(t, x, 0.0)
		require.Less(t, x, 1.0)
	}
	assert.NotEqual(t, Seeded(1).Float(), Seeded(2).Float())
}

func TestCryptoRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		x := Crypto{}.Float()
		require.GreaterOrEqual(t, x, 0.0)
		require.Less(t, x, 1.0)
	}
}

func TestNewKinds(t *testing.T) {
	src, err := New(KindSeeded, 7, "")
	require.NoError(t, err)
	assert.IsType(t, &Rand{}, src)

	src, err = New("", 0, "")
	require.NoError(t, err)
	assert.IsType(t, Crypto{}, src)

	_, err = New(KindRandomOrg, 0, "")
	assert.Error(t, err)

	_, err = New("dice", 0, "")
	assert.Error(t, err)
}

func TestNilClientFallsBack(t *testing.T) {
	c := NewClient("")
	require.Nil(t, c)
	x := c.Float()
	assert.GreaterOrEqual(t, x, 0.0)
	assert.Less(t, x, 1.0)
	assert.Equal(t, 0, c.Pooled())
}

func TestClientRefillsFromAPI(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Params struct {
				APIKey string `json:"apiKey"`
			} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "key", req.Params.APIKey)

		data := make([]float64, 20)
		for i := range data {
			data[i] = float64(i) / 20
		}
		data[19] = 1 // closed end is dropped
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"random": map[string]any{"data": data}},
		})
	}))
	defer srv.Close()

	c := NewClient("key")
	c.endpoint = srv.URL

	assert.Equal(t, 0.0, c.Float())
	assert.Equal(t, 0.05, c.Float())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 17, c.Pooled())
}

func TestClientAPIErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "quota"}})
	}))
	defer srv.Close()

	c := NewClient("key")
	c.endpoint = srv.URL

	x := c.Float()
	assert.GreaterOrEqual(t, x, 0.0)
	assert.Less(t, x, 1.0)
	assert.Equal(t, 0, c.Pooled())
}
