package message

import "testing"

func testParseValid(t *testing.T) {
	cases := []string{
		`{"type":"new","uid":"n1","dst":"all"}`,
		`{"type":"update","uid":"n1","endpoint":"temp","data":"23","dst":"all"}`,
		`{"type":"out","uid":"n1"}`,
		`{"type":"reset","uid":"n1"}`,
		`{"type":"update","uid":"alive"}`,
		`{"request":"discover"}`,
	}
	for _, raw := range cases {
		if _, err := Parse([]byte(raw)); err != nil {
			t.Fatalf("Parse(%s): unexpected error %s", raw, err)
		}
	}
}

func testParseInvalid(t *testing.T) {
	cases := []string{
		`not json`,
		`{"type":"bogus","uid":"n1"}`,
		`{"type":"new"}`,
		`{"request":"bogus"}`,
		`{}`,
	}
	for _, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Fatalf("Parse(%s): expected error, got none", raw)
		}
	}
}

func testHeartbeat(t *testing.T) {
	hb := Heartbeat()
	if !hb.IsHeartbeat() {
		t.Fatalf("Heartbeat() not recognized as heartbeat: %+v", hb)
	}
	up := UpdateNode("n1", "temp", "23", DstAll)
	if up.IsHeartbeat() {
		t.Fatalf("UpdateNode() wrongly recognized as heartbeat: %+v", up)
	}
}

func testRoundTrip(t *testing.T) {
	m := UpdateNode("n1", "led", "1", "c1")
	parsed, err := Parse(m.Bytes())
	if err != nil {
		t.Fatalf("round trip: %s", err)
	}
	if *parsed != *m {
		t.Fatalf("round trip mismatch: got %+v want %+v", parsed, m)
	}
}

func TestMessage(t *testing.T) {
	tests := []struct {
		name string
		fct  func(t *testing.T)
	}{
		{"parse valid", testParseValid},
		{"parse invalid", testParseInvalid},
		{"heartbeat", testHeartbeat},
		{"round trip", testRoundTrip},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			test.fct(t)
		})
	}
}
