package export

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/axismesh/axis/internal/comm"
	"github.com/axismesh/axis/internal/health"
)

func sampleAgents() []health.AgentHealth {
	return []health.AgentHealth{
		{
			AgentID: "agent-2",
			Overall: health.Degraded,
			Uptime:  90 * time.Second,
			Metrics: map[string]health.MetricValue{
				"response_time_ms": {Current: 120},
				"error_rate":       {Current: 0.02},
				"cpu_usage":        {Current: 0.75},
			},
		},
		{
			AgentID: "agent-1",
			Overall: health.Healthy,
			Uptime:  3600 * time.Second,
			Metrics: map[string]health.MetricValue{
				"response_time_ms": {Current: 42},
				"error_rate":       {Current: 0},
				"cpu_usage":        {Current: 0.3},
			},
		},
	}
}

func TestJSONDump(t *testing.T) {
	out, err := JSON(sampleAgents())
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	var doc struct {
		Agents []health.AgentHealth `json:"agents"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("output not valid json: %v", err)
	}
	if len(doc.Agents) != 2 || doc.Agents[0].AgentID != "agent-1" {
		t.Errorf("agents = %+v", doc.Agents)
	}
}

func TestCSVFixedHeaderAndRows(t *testing.T) {
	out, err := CSV(sampleAgents())
	if err != nil {
		t.Fatalf("CSV: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if lines[0] != "agentId,health,uptime,responseTime,errorRate,cpuUsage" {
		t.Fatalf("header = %q", lines[0])
	}
	if len(lines) != 3 {
		t.Fatalf("rows = %d, want 2 + header", len(lines)-1)
	}
	if lines[1] != "agent-1,healthy,3600,42,0,0.3" {
		t.Errorf("row 1 = %q", lines[1])
	}
	if lines[2] != "agent-2,degraded,90,120,0.02,0.75" {
		t.Errorf("row 2 = %q", lines[2])
	}
	if !strings.HasSuffix(string(out), "\n") {
		t.Error("output not newline-terminated")
	}
}

func TestCSVRejectsEmbeddedComma(t *testing.T) {
	agents := sampleAgents()
	agents[0].AgentID = "agent,2"
	_, err := CSV(agents)
	if !errors.Is(err, comm.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCSVMissingMetricsEmpty(t *testing.T) {
	agents := []health.AgentHealth{{AgentID: "bare", Overall: health.Unknown}}
	out, err := CSV(agents)
	if err != nil {
		t.Fatalf("CSV: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if lines[1] != "bare,unknown,0,,," {
		t.Errorf("row = %q", lines[1])
	}
}

func TestScrapeLines(t *testing.T) {
	out := string(ScrapeLines(sampleAgents()))
	want := []string{
		`agent_health{agent="agent-1"} 0`,
		`agent_uptime_seconds{agent="agent-1"} 3600`,
		`agent_response_time_ms{agent="agent-1"} 42`,
		`agent_cpu_usage{agent="agent-2"} 0.75`,
		`agent_health{agent="agent-2"} 1`,
	}
	for _, w := range want {
		if !strings.Contains(out, w+"\n") {
			t.Errorf("missing line %q in:\n%s", w, out)
		}
	}
}

func TestScrapeNameSanitized(t *testing.T) {
	agents := []health.AgentHealth{{
		AgentID: "a",
		Metrics: map[string]health.MetricValue{"disk.used%": {Current: 10}},
	}}
	out := string(ScrapeLines(agents))
	if !strings.Contains(out, `agent_disk_used_{agent="a"} 10`) {
		t.Errorf("metric name not sanitized:\n%s", out)
	}
}
