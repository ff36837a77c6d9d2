package httpstatus

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testIndexRendersCounts(t *testing.T) {
	s := New(nil, ":0", func() Counts {
		return Counts{
			Clients: 3,
			Gateways: []GatewayCounts{
				{Name: "coap-gw", Nodes: 2},
			},
		}
	})
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET: %s", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %s", err)
	}
	body := string(b)
	if !strings.Contains(body, "clients: 3") {
		t.Fatalf("expected client count in body, got: %s", body)
	}
	if !strings.Contains(body, "coap-gw: 2 node(s)") {
		t.Fatalf("expected gateway line in body, got: %s", body)
	}
}

func testIndexNoGateways(t *testing.T) {
	s := New(nil, ":0", func() Counts { return Counts{} })
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET: %s", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "none connected") {
		t.Fatalf("expected placeholder text, got: %s", b)
	}
}

func TestServer(t *testing.T) {
	tests := []struct {
		name string
		fct  func(t *testing.T)
	}{
		{"index renders counts", testIndexRendersCounts},
		{"index no gateways", testIndexNoGateways},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			test.fct(t)
		})
	}
}
