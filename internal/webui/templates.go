package webui

import (
	"html/template"
	"io"
)

// AlertRow is one metric line on the dashboard
type AlertRow struct {
	Key        string
	Name       string
	Active     bool
	Muted      bool
	MutedUntil string
}

// Dashboard is the data rendered by the status page
type Dashboard struct {
	ServerName string
	Version    string
	Uptime     string
	Generated  string
	Interval   string
	FetchMode  string
	Outage     bool
	LastTick   string
	Source     string
	Rows       []AlertRow
	MuteHours  []int
	Logs       []LogEntry
}

// Render writes the dashboard page
func Render(w io.Writer, d Dashboard) error {
	return templates.ExecuteTemplate(w, "dashboard", d)
}

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"levelClass": func(level string) string {
		switch level {
		case "error", "fatal", "panic":
			return "log-error"
		case "warn":
			return "log-warn"
		case "debug", "trace":
			return "log-debug"
		default:
			return "log-info"
		}
	},
}).Parse(`
{{define "dashboard"}}
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <meta http-equiv="refresh" content="30">
    <title>{{.ServerName}} · hostwatch</title>
    <style>
        :root {
            --bg-primary: #0d1117;
            --bg-secondary: #161b22;
            --border-color: #30363d;
            --text-primary: #e6edf3;
            --text-muted: #8b949e;
            --accent-green: #3fb950;
            --accent-red: #f85149;
            --accent-yellow: #d29922;
            --accent-blue: #58a6ff;
        }
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; background: var(--bg-primary); color: var(--text-primary); padding: 2rem; }
        h1 { font-size: 1.4rem; margin-bottom: .25rem; }
        .meta { color: var(--text-muted); font-size: .85rem; margin-bottom: 1.5rem; }
        .banner { padding: .75rem 1rem; border-radius: 6px; margin-bottom: 1.5rem; background: rgba(248,81,73,.15); border: 1px solid var(--accent-red); }
        table { width: 100%; border-collapse: collapse; background: var(--bg-secondary); border: 1px solid var(--border-color); border-radius: 6px; margin-bottom: 2rem; }
        th, td { text-align: left; padding: .6rem .9rem; border-bottom: 1px solid var(--border-color); font-size: .9rem; }
        th { color: var(--text-muted); font-weight: 500; }
        .ok { color: var(--accent-green); }
        .alert { color: var(--accent-red); }
        .muted { color: var(--accent-yellow); }
        button, select { background: var(--bg-primary); color: var(--text-primary); border: 1px solid var(--border-color); border-radius: 4px; padding: .2rem .5rem; cursor: pointer; }
        .logs { font-family: ui-monospace, monospace; font-size: .8rem; background: var(--bg-secondary); border: 1px solid var(--border-color); border-radius: 6px; padding: 1rem; max-height: 28rem; overflow-y: auto; }
        .log-error { color: var(--accent-red); }
        .log-warn { color: var(--accent-yellow); }
        .log-debug { color: var(--text-muted); }
        .log-info { color: var(--accent-blue); }
    </style>
</head>
<body>
    <h1>{{.ServerName}}</h1>
    <div class="meta">
        version {{.Version}} · up {{.Uptime}} · every {{.Interval}} ({{.FetchMode}}) · last tick {{.LastTick}} · source {{.Source}} · generated {{.Generated}}
    </div>
    {{if .Outage}}<div class="banner">Monitoring API unreachable. Unmuted checks are held active until it answers.</div>{{end}}
    <table>
        <thead><tr><th>Check</th><th>State</th><th>Muted until</th><th></th></tr></thead>
        <tbody>
        {{range .Rows}}
            <tr>
                <td>{{.Name}}</td>
                <td>{{if .Muted}}<span class="muted">muted</span>{{else if .Active}}<span class="alert">alert</span>{{else}}<span class="ok">ok</span>{{end}}</td>
                <td>{{if .Muted}}{{.MutedUntil}}{{else}}-{{end}}</td>
                <td>
                    {{if .Muted}}
                    <button onclick="post('/api/unmute', {key: '{{.Key}}'})">Unmute</button>
                    {{else}}
                    <select id="hours-{{.Key}}">{{range $.MuteHours}}<option value="{{.}}">{{.}}h</option>{{end}}</select>
                    <button onclick="post('/api/mute', {key: '{{.Key}}', hours: +document.getElementById('hours-{{.Key}}').value})">Mute</button>
                    {{end}}
                </td>
            </tr>
        {{end}}
        </tbody>
    </table>
    <div class="logs">
        {{range .Logs}}<div class="{{levelClass .Level}}">{{.Timestamp.Format "15:04:05"}} {{.Level}} {{if .Component}}[{{.Component}}] {{end}}{{.Message}}{{if .Key}} key={{.Key}}{{end}}{{if .Error}} error={{.Error}}{{end}}</div>
        {{else}}<div class="log-debug">No log entries</div>{{end}}
    </div>
    <script>
        function post(path, body) {
            fetch(path, {method: 'POST', headers: {'Content-Type': 'application/json'}, body: JSON.stringify(body)})
                .then(() => location.reload());
        }
    </script>
</body>
</html>
{{end}}
`))
