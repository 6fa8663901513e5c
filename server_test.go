package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"gitea.icts.kuleuven.be/hpc/forwarded/consulkvipset"
	consul "github.com/hashicorp/consul/api"
	"github.com/hashicorp/go-hclog"
	echo "github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHashKey = "0123456789abcdef0123456789abcdef"

type memKV struct {
	sync.Mutex
	pairs map[string]*consul.KVPair
	index uint64
}

func (m *memKV) Get(key string, q *consul.QueryOptions) (*consul.KVPair, *consul.QueryMeta, error) {
	m.Lock()
	defer m.Unlock()

	if pair, ok := m.pairs[key]; ok {
		c := *pair
		return &c, &consul.QueryMeta{LastIndex: m.index}, nil
	}

	return nil, &consul.QueryMeta{LastIndex: m.index}, nil
}

func (m *memKV) List(prefix string, q *consul.QueryOptions) (consul.KVPairs, *consul.QueryMeta, error) {
	m.Lock()
	defer m.Unlock()

	pairs := consul.KVPairs{}
	for key, pair := range m.pairs {
		if strings.HasPrefix(key, prefix) {
			c := *pair
			pairs = append(pairs, &c)
		}
	}

	return pairs, &consul.QueryMeta{LastIndex: m.index}, nil
}

func (m *memKV) CAS(p *consul.KVPair, q *consul.WriteOptions) (bool, *consul.WriteMeta, error) {
	m.Lock()
	defer m.Unlock()

	if current, ok := m.pairs[p.Key]; (ok && current.ModifyIndex != p.ModifyIndex) || (!ok && p.ModifyIndex != 0) {
		return false, nil, nil
	}

	m.index++
	m.pairs[p.Key] = &consul.KVPair{Key: p.Key, Value: p.Value, ModifyIndex: m.index}

	return true, nil, nil
}

var _ consulkvipset.KV = &memKV{}

func newTestServer(t *testing.T, trusted ...string) (*Server, *memKV) {
	kv := &memKV{pairs: map[string]*consul.KVPair{}}

	s, err := newServer(ServerConfig{
		ConsulPath:     "forwarded",
		HashKey:        testHashKey,
		Domain:         "forwarded.example.org",
		TrustedProxies: trusted,
	}, kv, hclog.NewNullLogger())
	require.NoError(t, err)

	return s, kv
}

func token(t *testing.T, s *Server, payload *CookiePayload) string {
	encoded, err := s.SecureCookie.Encode(CookieName, payload)
	require.NoError(t, err)

	return encoded
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	return rec
}

func TestNewServerConfig(t *testing.T) {
	kv := &memKV{pairs: map[string]*consul.KVPair{}}
	logger := hclog.NewNullLogger()

	_, err := newServer(ServerConfig{ConsulPath: "p", HashKey: "short"}, kv, logger)
	assert.Error(t, err)

	_, err = newServer(ServerConfig{ConsulPath: "p", HashKey: testHashKey, BlockKey: "bad"}, kv, logger)
	assert.Error(t, err)

	_, err = newServer(ServerConfig{ConsulPath: "p", HashKey: testHashKey, TrustedProxies: []string{"nope"}}, kv, logger)
	assert.Error(t, err)

	_, err = newServer(ServerConfig{HashKey: testHashKey}, kv, logger)
	assert.Error(t, err)

	_, err = newServer(ServerConfig{ConsulPath: "p", HashKey: testHashKey, BlockKey: "0123456789abcdef"}, kv, logger)
	assert.NoError(t, err)
}

func TestWhoami(t *testing.T) {
	s, _ := newTestServer(t)
	e := s.Echo()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:4242"
	req.Header.Set("Forwarded", `for=192.0.2.43, for="[2001:db8:cafe::17]:4711";proto=https;monkeycheese=hello`)

	rec := serve(e, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "monkeycheese")

	var r struct {
		Forwarded struct {
			For   []string `json:"for"`
			Proto string   `json:"proto"`
		} `json:"forwarded"`
		Addresses []string `json:"addresses"`
		IP        string   `json:"ip"`
		Source    string   `json:"source"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))

	assert.Equal(t, []string{"192.0.2.43", `"[2001:db8:cafe::17]:4711"`}, r.Forwarded.For)
	assert.Equal(t, "https", r.Forwarded.Proto)
	assert.Equal(t, []string{"192.0.2.43", "2001:db8:cafe::17"}, r.Addresses)
	assert.Equal(t, "2001:db8:cafe::17", r.IP)
	assert.Equal(t, sourceForwarded, r.Source)
}

func TestWhoamiWithoutHeader(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4242"

	rec := serve(s.Echo(), req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"addresses":[],"ip":"192.0.2.7","source":"remote"}`, rec.Body.String())
}

func TestInvalidEncoding(t *testing.T) {
	s, _ := newTestServer(t)
	e := s.Echo()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Forwarded", "for=192.0.2.43\x00")

	rec := serve(e, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid header encoding")

	rec = serve(e, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `forwarded_headers_total{result="invalid"} 1`)
}

func TestToken(t *testing.T) {
	s, _ := newTestServer(t)
	e := s.Echo()

	// Not an admin
	req := httptest.NewRequest(http.MethodPost, "/token?label=alice", nil)
	req.Header.Set("Authorization", token(t, s, &CookiePayload{Label: "bob"}))
	assert.Equal(t, http.StatusUnauthorized, serve(e, req).Code)

	// Bad label
	req = httptest.NewRequest(http.MethodPost, "/token?label=../alice", nil)
	req.Header.Set("Authorization", token(t, s, &CookiePayload{Admin: true}))
	assert.Equal(t, http.StatusBadRequest, serve(e, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/token?label=alice", nil)
	req.Header.Set("Authorization", token(t, s, &CookiePayload{Admin: true}))

	rec := serve(e, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var r LabelTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	assert.Equal(t, "alice", r.Label)

	payload := &CookiePayload{}
	require.NoError(t, s.SecureCookie.Decode(CookieName, r.Token, payload))
	assert.Equal(t, &CookiePayload{Label: "alice"}, payload)
}

func TestEndpoint(t *testing.T) {
	s, kv := newTestServer(t, "10.0.0.0/8")
	e := s.Echo()

	// Unauthenticated
	req := httptest.NewRequest(http.MethodGet, "/endpoint", nil)
	rec := serve(e, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"needs_refresh":true`)

	req = httptest.NewRequest(http.MethodGet, "/endpoint", nil)
	req.RemoteAddr = "10.0.0.1:4242"
	req.Header.Set("Forwarded", "for=198.51.100.17, for=10.9.9.9;proto=https;host=forwarded.example.org")
	req.Header.Set("Authorization", token(t, s, &CookiePayload{Label: "alice"}))

	rec = serve(e, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var r EndpointResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	assert.Equal(t, "198.51.100.17", r.IP)
	assert.Equal(t, sourceForwarded, r.Source)
	assert.NotEmpty(t, r.Token)

	pair, ok := kv.pairs["forwarded/alice"]
	require.True(t, ok)
	assert.Contains(t, string(pair.Value), `"ip":"198.51.100.17"`)
	assert.Contains(t, string(pair.Value), `"proto":"https"`)

	// The address token verifies
	rec = serve(e, httptest.NewRequest(http.MethodGet, "/verify?token="+url.QueryEscape(r.Token), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var claim AddressClaim
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))
	assert.Equal(t, "198.51.100.17", claim.IP)
	assert.Equal(t, "alice", claim.Label)
	assert.Equal(t, "https", claim.Proto)
	assert.Equal(t, "forwarded.example.org", claim.Issuer)

	// The label sees its address
	req = httptest.NewRequest(http.MethodGet, "/list", nil)
	req.Header.Set("Authorization", token(t, s, &CookiePayload{Label: "alice"}))

	rec = serve(e, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var list ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.IPs, 1)
	assert.Equal(t, "198.51.100.17", list.IPs[0].IP)
	assert.Equal(t, "https", list.IPs[0].Proto)
	assert.Equal(t, pair.ModifyIndex, list.LastIndex)

	// And so does the ipset
	req = httptest.NewRequest(http.MethodGet, "/ipset", nil)
	req.Header.Set("Authorization", token(t, s, &CookiePayload{Admin: true}))

	rec = serve(e, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Last-Index"))

	var entries []consulkvipset.IpsetEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "198.51.100.17", entries[0].Addr.String())
	assert.Equal(t, "forwarded/alice", entries[0].Comment)
}

func TestEndpointWithoutAddress(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/endpoint", nil)
	req.RemoteAddr = "@"
	req.Header.Set("Authorization", token(t, s, &CookiePayload{Label: "alice"}))

	rec := serve(s.Echo(), req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEndpointIgnoresUntrustedHeaders(t *testing.T) {
	for _, tc := range []struct {
		name    string
		trusted []string
		header  string
		value   string
	}{
		{name: "forwarded without trusted proxies", header: "Forwarded", value: "for=8.8.8.8"},
		{name: "x-forwarded-for without trusted proxies", header: "X-Forwarded-For", value: "8.8.8.8"},
		{name: "forwarded from untrusted peer", trusted: []string{"10.0.0.0/8"}, header: "Forwarded", value: "for=8.8.8.8"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, kv := newTestServer(t, tc.trusted...)
			e := s.Echo()

			req := httptest.NewRequest(http.MethodGet, "/endpoint", nil)
			req.RemoteAddr = "203.0.113.9:4242"
			req.Header.Set(tc.header, tc.value)
			req.Header.Set("Authorization", token(t, s, &CookiePayload{Label: "mallory"}))

			rec := serve(e, req)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var r EndpointResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
			assert.Equal(t, "203.0.113.9", r.IP)
			assert.Equal(t, sourceRemote, r.Source)

			pair, ok := kv.pairs["forwarded/mallory"]
			require.True(t, ok)
			assert.Contains(t, string(pair.Value), `"ip":"203.0.113.9"`)
			assert.NotContains(t, string(pair.Value), "8.8.8.8")

			// The informational report still shows the forwarded address
			req = httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "203.0.113.9:4242"
			req.Header.Set(tc.header, tc.value)

			rec = serve(e, req)
			require.Equal(t, http.StatusOK, rec.Code)

			var w WhoamiResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))

			if len(tc.trusted) == 0 {
				assert.Equal(t, "8.8.8.8", w.IP)
			} else {
				assert.Equal(t, "203.0.113.9", w.IP)
			}
		})
	}
}

func TestIpsetRequiresAdmin(t *testing.T) {
	s, _ := newTestServer(t)
	e := s.Echo()

	req := httptest.NewRequest(http.MethodGet, "/ipset", nil)
	req.Header.Set("Authorization", token(t, s, &CookiePayload{Label: "alice"}))
	assert.Equal(t, http.StatusUnauthorized, serve(e, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/ipset", nil)
	req.Header.Set("Authorization", "garbage")
	assert.Equal(t, http.StatusUnauthorized, serve(e, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/ipset?index=abc", nil)
	req.Header.Set("Authorization", token(t, s, &CookiePayload{Admin: true}))
	assert.Equal(t, http.StatusBadRequest, serve(e, req).Code)
}

func TestVerify(t *testing.T) {
	s, _ := newTestServer(t)
	e := s.Echo()

	assert.Equal(t, http.StatusBadRequest, serve(e, httptest.NewRequest(http.MethodGet, "/verify", nil)).Code)
	assert.Equal(t, http.StatusBadRequest, serve(e, httptest.NewRequest(http.MethodGet, "/verify?token=abc", nil)).Code)

	other, _ := newTestServer(t)
	other.HashKey = []byte("fedcba9876543210fedcba9876543210")

	tkn, err := other.NewAddressToken(AddressClaim{IP: "192.0.2.1"})
	require.NoError(t, err)

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/verify?token="+url.QueryEscape(tkn), nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(t, "10.0.0.0/8")
	e := s.Echo()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:4242"
	req.Header.Set("Forwarded", "for=192.0.2.43, for=_hidden")
	serve(e, req)

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `forwarded_headers_total{result="parsed"} 1`)
	assert.Contains(t, string(body), `forwarded_for_entries_total{result="address"} 1`)
	assert.Contains(t, string(body), `forwarded_for_entries_total{result="dropped"} 1`)
	assert.Contains(t, string(body), `forwarded_client_address_source_total{source="forwarded"} 1`)
}
