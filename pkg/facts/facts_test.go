package facts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/newtron-network/newtlife/pkg/session/sessiontest"
	"github.com/newtron-network/newtlife/pkg/util"
)

const qfxShowVersion = `
fpc0:
--------------------------------------------------------------------------
Hostname: leaf1
Model: qfx5120-48y-8c
Junos: 21.4R3-S5.4
JUNOS OS Kernel 64-bit  [20230502.4fd0e5d_builder_stable_12_214]
`

const exShowVersion = `
Hostname: access-sw3
Model: ex4300-48p
JUNOS EX  Software Suite [18.4R2-S3]
`

func TestParseShowVersion(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want Facts
	}{
		{"qfx", qfxShowVersion, Facts{Hostname: "leaf1", Model: "QFX5120-48Y-8C", Version: "21.4R3-S5.4"}},
		{"legacy ex", exShowVersion, Facts{Hostname: "access-sw3", Model: "EX4300-48P", Version: "18.4R2-S3"}},
		{"release line", "Model: mx204\nJUNOS Software Release [17.3R3.10]\n", Facts{Model: "MX204", Version: "17.3R3.10"}},
		{"empty", "", Facts{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseShowVersion(tt.out); got != tt.want {
				t.Errorf("ParseShowVersion() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCollectorFacts(t *testing.T) {
	s := &sessiontest.Fake{Runs: map[string]string{ShowVersionCommand: qfxShowVersion}}
	f, err := CLICollector{}.Facts(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if f.Hostname != "leaf1" || f.Version != "21.4R3-S5.4" {
		t.Errorf("Facts = %+v", f)
	}

	bad := &sessiontest.Fake{Runs: map[string]string{ShowVersionCommand: "% Invalid input"}}
	if _, err := (CLICollector{}).Facts(context.Background(), bad); err == nil {
		t.Error("expected error for unparseable output")
	}
}

func TestCollectorQuery(t *testing.T) {
	const bgpJSON = `{"bgp-information":[{"bgp-peer":[
		{"peer-address":[{"data":"10.1.1.1+179"}],"peer-state":[{"data":"Established"}]},
		{"peer-address":[{"data":"10.1.1.5+179"}],"peer-state":[{"data":"Active"}]}
	]}]}`
	s := &sessiontest.Fake{Runs: map[string]string{
		"show bgp neighbor | display json | no-more": bgpJSON,
	}}

	q := Query{
		Command: "show bgp neighbor",
		Expr:    `.["bgp-information"][0]["bgp-peer"][] | {peer: .["peer-address"][0].data, state: .["peer-state"][0].data}`,
	}
	records, err := CLICollector{}.Query(context.Background(), s, q)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %v", records)
	}
	if records[1]["state"] != "Active" || records[0]["peer"] != "10.1.1.1+179" {
		t.Errorf("records = %v", records)
	}

	scalar := Query{Command: "show bgp neighbor", Expr: `.["bgp-information"][0]["bgp-peer"] | length`}
	records, err = CLICollector{}.Query(context.Background(), s, scalar)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0]["value"] != 2 {
		t.Errorf("scalar records = %v", records)
	}
}

func TestCollectorQueryErrors(t *testing.T) {
	s := &sessiontest.Fake{Runs: map[string]string{"show route | display json | no-more": "not json"}}
	c := CLICollector{}
	if _, err := c.Query(context.Background(), s, Query{Command: "show route", Expr: ".["}); err == nil {
		t.Error("expected parse error for bad expression")
	}
	if _, err := c.Query(context.Background(), s, Query{Command: "show route", Expr: "."}); err == nil {
		t.Error("expected decode error for non-JSON output")
	}
}

func TestIdentify(t *testing.T) {
	tests := []struct {
		name string
		runs map[string]string
		want Vendor
	}{
		{"juniper", map[string]string{"show version": "Junos: 21.4R3"}, VendorJuniper},
		{"palo alto", map[string]string{"show system info": "sw-version: 10.1.6"}, VendorPaloAlto},
		{"aruba", map[string]string{"show version": "ArubaOS (MODEL: Aruba7010)", "show system info": "Invalid input"}, VendorAruba},
		{"unknown", map[string]string{"show version": "Cisco IOS"}, VendorUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &sessiontest.Fake{Runs: tt.runs}
			if got := Identify(context.Background(), s, time.Second); got != tt.want {
				t.Errorf("Identify() = %s, want %s", got, tt.want)
			}
			versions := 0
			for _, c := range s.Commands() {
				if c == "show version" {
					versions++
				}
			}
			if versions > 1 {
				t.Errorf("show version run %d times", versions)
			}
		})
	}
}

func TestIdentifyToleratesErrors(t *testing.T) {
	s := &sessiontest.Fake{
		Runs:      map[string]string{"show system info": "model: PA-3220\nsw-version: 10.2.3"},
		RunErrors: map[string]error{"show version": errors.New("exit status 1")},
	}
	if got := Identify(context.Background(), s, time.Second); got != VendorPaloAlto {
		t.Errorf("Identify() = %s", got)
	}
}

func TestIdentifySkipsHungProbe(t *testing.T) {
	s := &sessiontest.Fake{
		Runs: map[string]string{"show system info": "sw-version: 10.2.3"},
		Hang: map[string]bool{"show version": true},
	}
	start := time.Now()
	if got := Identify(context.Background(), s, 50*time.Millisecond); got != VendorPaloAlto {
		t.Errorf("Identify() = %s, want %s", got, VendorPaloAlto)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Errorf("Identify took %s with a 50ms command timeout", took)
	}
}

func TestCollectorFactsTimeout(t *testing.T) {
	s := &sessiontest.Fake{Hang: map[string]bool{ShowVersionCommand: true}}
	_, err := CLICollector{Timeout: 50 * time.Millisecond}.Facts(context.Background(), s)
	if !errors.Is(err, util.ErrCommandTimeout) {
		t.Fatalf("Facts error = %v, want ErrCommandTimeout", err)
	}
}
