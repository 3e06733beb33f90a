package web

import (
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Helium leak test bench</title>
    <meta charset="utf-8">
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; background-color: #f5f5f5; }
        .container { max-width: 1200px; margin: 0 auto; }
        .card { background: white; padding: 20px; margin: 10px 0; border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .status { display: flex; justify-content: space-between; flex-wrap: wrap; }
        .cell { flex: 1; min-width: 220px; margin: 5px; }
        .ok { color: #4CAF50; font-weight: bold; }
        .bad { color: #f44336; font-weight: bold; }
        button { background-color: #2196F3; color: white; border: none; padding: 10px 20px; margin: 5px; border-radius: 4px; cursor: pointer; }
        button:disabled { background-color: #ccc; cursor: not-allowed; }
        table { border-collapse: collapse; width: 100%; }
        td, th { border-bottom: 1px solid #ddd; padding: 4px 8px; text-align: left; }
        .log { height: 200px; overflow-y: scroll; background-color: #000; color: #0f0; padding: 10px; font-family: monospace; font-size: 12px; }
    </style>
</head>
<body>
<div class="container">
    <h1>Helium leak test bench</h1>
    <p>Session {{.Session}}</p>

    <div class="card">
        <h2>Sensors</h2>
        <div class="status">
            <div class="cell">Room temperature: <span id="room">-</span> &deg;C</div>
            <div class="cell">Supply pressure: <span id="supply">-</span> bar</div>
            <div class="cell">Helium: <span id="helium">-</span> %</div>
            <div class="cell">Mass flow: <span id="sccm">-</span> sccm / <span id="mftemp">-</span> &deg;C</div>
            <div class="cell">Interlock: <span id="thermal" class="ok">ok</span></div>
        </div>
    </div>

    <div class="card">
        <h2>Measurement</h2>
        <p>Leak rate: <span id="leak">-</span> mbar&middot;l/s, max <span id="max">-</span>, <span id="elapsed">0</span> s, auto-stop <span id="auto">off</span></p>
        <button id="start" onclick="post('/api/measure/start')">Start</button>
        <button onclick="post('/api/measure/stop')">Stop</button>
        <button onclick="post('/api/measure/autostop')">Auto-stop</button>
        <button onclick="post('/api/measure/delete-last')">Delete last</button>
        <button onclick="post('/api/calibrate')">Calibrate</button>
        <button onclick="post('/api/reconnect')">Reconnect</button>
        <table id="results"><tr><th>#</th><th>Panel</th><th>Location</th><th>Leak rate</th><th>Max</th><th>s</th></tr></table>
    </div>

    <div class="card">
        <h2>Log</h2>
        <div id="log" class="log"></div>
    </div>
</div>
<script>
    function addLog(text) {
        const log = document.getElementById('log');
        const entry = document.createElement('div');
        entry.textContent = text;
        log.appendChild(entry);
        log.scrollTop = log.scrollHeight;
        while (log.children.length > 1000) { log.removeChild(log.firstChild); }
    }
    function post(path) {
        fetch(path, {method: 'POST'})
            .then(r => r.json().then(body => { if (!r.ok) { addLog(path + ': ' + body.error); } }))
            .then(loadResults);
    }
    function loadResults() {
        fetch('/api/measurements').then(r => r.json()).then(body => {
            const table = document.getElementById('results');
            while (table.rows.length > 1) { table.deleteRow(1); }
            for (const m of body.data) {
                const row = table.insertRow();
                for (const v of [m.serial_number, m.panel_no, m.location_no, m.leak_rate.toExponential(2), m.max_leak_rate.toExponential(2), m.elapsed_seconds]) {
                    row.insertCell().textContent = v;
                }
            }
        });
    }
    const live = new EventSource('/api/stream/live');
    live.addEventListener('status', e => {
        const s = JSON.parse(e.data);
        document.getElementById('room').textContent = s.room_temperature.toFixed(1);
        document.getElementById('supply').textContent = s.helium_supply_pressure.toFixed(1);
        document.getElementById('helium').textContent = s.helium_concentration.toFixed(1);
        document.getElementById('sccm').textContent = s.mass_flow_sccm.toFixed(1);
        document.getElementById('mftemp').textContent = s.mass_flow_temperature.toFixed(1);
        const thermal = document.getElementById('thermal');
        thermal.textContent = s.thermal_fault ? 'THERMAL FAULT' : 'ok';
        thermal.className = s.thermal_fault ? 'bad' : 'ok';
        document.getElementById('start').disabled = !s.start_enabled;
    });
    live.addEventListener('reading', e => {
        const r = JSON.parse(e.data);
        const leak = document.getElementById('leak');
        leak.textContent = r.leak_rate.toExponential(2);
        leak.className = r.above_limit ? 'bad' : '';
        document.getElementById('max').textContent = r.max.toExponential(2);
        document.getElementById('elapsed').textContent = r.elapsed_seconds.toFixed(1);
        document.getElementById('auto').textContent = r.auto_stop;
    });
    const events = new EventSource('/api/stream/events');
    events.onmessage = e => addLog(e.data);
    for (const kind of ['saved', 'deleted', 'auto_stopped', 'fault', 'thermal_fault', 'thermal_clear', 'low_helium', 'calibrated']) {
        events.addEventListener(kind, e => { addLog(kind + ': ' + (JSON.parse(e.data).message || '')); loadResults(); });
    }
    const logs = new EventSource('/api/stream/logs');
    logs.addEventListener('log', e => {
        const l = JSON.parse(e.data);
        addLog('[' + l.time + '] [' + l.type.toUpperCase() + '] ' + l.message);
    });
    loadResults();
</script>
</body>
</html>
`))

func (s *Server) index(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := indexTemplate.Execute(c.Writer, gin.H{"Session": s.bench.ID()}); err != nil {
		s.log.Warn("rendering index", "error", err)
	}
}
