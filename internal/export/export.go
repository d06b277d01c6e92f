// Package export renders agent health snapshots in the three supported
// formats: a JSON dump, a fixed-header CSV, and a line-based numeric format
// for scrape collectors.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/axismesh/axis/internal/comm"
	"github.com/axismesh/axis/internal/health"
)

// csvHeader is fixed; consumers key on these column names.
const csvHeader = "agentId,health,uptime,responseTime,errorRate,cpuUsage"

// Metric names the CSV columns are sourced from.
const (
	metricResponseTime = "response_time_ms"
	metricErrorRate    = "error_rate"
	metricCPUUsage     = "cpu_usage"
)

// JSON renders the agents as an indented JSON document.
func JSON(agents []health.AgentHealth) ([]byte, error) {
	sortAgents(agents)
	doc := struct {
		GeneratedAt time.Time            `json:"generated_at"`
		Agents      []health.AgentHealth `json:"agents"`
	}{
		GeneratedAt: time.Now().UTC(),
		Agents:      agents,
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export json: %w", err)
	}
	return out, nil
}

// CSV renders the agents with the fixed header, UTF-8, newline-terminated
// rows. Fields containing a comma are rejected, not quoted; emitters must
// transform such values upstream.
func CSV(agents []health.AgentHealth) ([]byte, error) {
	sortAgents(agents)
	var buf bytes.Buffer
	buf.WriteString(csvHeader)
	buf.WriteByte('\n')

	for _, a := range agents {
		fields := []string{
			a.AgentID,
			a.Overall.String(),
			strconv.FormatFloat(a.Uptime.Seconds(), 'f', 0, 64),
			formatMetric(a, metricResponseTime),
			formatMetric(a, metricErrorRate),
			formatMetric(a, metricCPUUsage),
		}
		for _, f := range fields {
			if strings.Contains(f, ",") {
				return nil, fmt.Errorf("%w: csv field %q for agent %s contains a comma", comm.ErrValidation, f, a.AgentID)
			}
		}
		buf.WriteString(strings.Join(fields, ","))
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// ScrapeLines renders every agent metric as `metric_name{agent="id"} value`
// lines, plus the derived health level and uptime. Output is sorted for
// stable scrapes.
func ScrapeLines(agents []health.AgentHealth) []byte {
	sortAgents(agents)
	var lines []string
	for _, a := range agents {
		label := fmt.Sprintf(`{agent=%q}`, a.AgentID)
		lines = append(lines,
			fmt.Sprintf("agent_health%s %d", label, a.Overall),
			fmt.Sprintf("agent_uptime_seconds%s %s", label, formatFloat(a.Uptime.Seconds())),
		)
		names := make([]string, 0, len(a.Metrics))
		for name := range a.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			lines = append(lines, fmt.Sprintf("agent_%s%s %s", sanitizeName(name), label, formatFloat(a.Metrics[name].Current)))
		}
	}

	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func sortAgents(agents []health.AgentHealth) {
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
}

func formatMetric(a health.AgentHealth, name string) string {
	mv, ok := a.Metrics[name]
	if !ok {
		return ""
	}
	return formatFloat(mv.Current)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// sanitizeName maps a metric name onto the scrape-format charset.
func sanitizeName(name string) string {
	out := []byte(name)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
