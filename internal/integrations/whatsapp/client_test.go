package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeTokens returns errs in order before settling on token.
type fakeTokens struct {
	token string
	errs  []error
	names []string
}

func (f *fakeTokens) Token(_ context.Context, name string) (string, error) {
	f.names = append(f.names, name)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", err
	}
	return f.token, nil
}

func newTestClient(t *testing.T, srv *httptest.Server, g *fakeTokens) *Client {
	t.Helper()
	c, err := NewClient(g, srv.URL+"/v21.0/", "12345", "/relay/whatsapp-token", WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestNewClient_Validates(t *testing.T) {
	g := &fakeTokens{}
	_, err := NewClient(nil, "https://graph.facebook.com/v21.0", "1", "/p")
	require.Error(t, err)
	_, err = NewClient(g, "", "1", "/p")
	require.Error(t, err)
	_, err = NewClient(g, "https://graph.facebook.com/v21.0", " ", "/p")
	require.Error(t, err)
	_, err = NewClient(g, "https://graph.facebook.com/v21.0", "1", "")
	require.Error(t, err)
}

func TestNormalizeRecipient(t *testing.T) {
	require.Equal(t, "5585999990000", NormalizeRecipient("+55 (85) 99999-0000"))
	require.Equal(t, "", NormalizeRecipient("abc"))
}

func TestSend_HappyPath(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v21.0/12345/messages", r.URL.Path)
		require.Equal(t, "Bearer wa-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"messages":[{"id":"wamid.out"}]}`)
	}))
	defer srv.Close()

	g := &fakeTokens{token: "wa-token"}
	c := newTestClient(t, srv, g)
	require.NoError(t, c.Send(context.Background(), "+55 99 0000", "olá"))
	require.NoError(t, c.Send(context.Background(), "5599", "de novo"))

	require.Equal(t, "whatsapp", got.MessagingProduct)
	require.Equal(t, "5599", got.To)
	require.Equal(t, "text", got.Type)
	require.Equal(t, "de novo", got.Text.Body)
	require.Equal(t, []string{"/relay/whatsapp-token", "/relay/whatsapp-token"}, g.names)
}

func TestSend_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"Recipient not in allowed list"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeTokens{token: "wa-token"})
	err := c.Send(context.Background(), "5599", "olá")
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.HTTPStatusCode())
	require.Contains(t, statusErr.Body, "allowed list")
}

func TestSend_TokenErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected")
	}))
	defer srv.Close()

	cases := []struct {
		name   string
		tokens *fakeTokens
		want   string
	}{
		{"ssm error", &fakeTokens{errs: []error{errors.New("ssm unavailable")}}, "ssm unavailable"},
		{"empty token", &fakeTokens{}, "access token is empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, srv, tc.tokens)
			err := c.Send(context.Background(), "5599", "olá")
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestSend_RecoversAfterTokenFailure(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		require.Equal(t, "Bearer wa-token", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"messages":[{"id":"wamid.out"}]}`)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "wa-token", errs: []error{errors.New("ssm throttled")}}
	c := newTestClient(t, srv, tokens)

	err := c.Send(context.Background(), "5599", "olá")
	require.ErrorContains(t, err, "ssm throttled")
	require.Zero(t, requests)

	require.NoError(t, c.Send(context.Background(), "5599", "olá"))
	require.Equal(t, 1, requests)
	require.Len(t, tokens.names, 2)
}

func TestSend_EmptyRecipient(t *testing.T) {
	c, err := NewClient(&fakeTokens{}, "https://example.test", "1", "/p")
	require.NoError(t, err)
	require.Error(t, c.Send(context.Background(), "---", "olá"))
}
