package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Escrow</title>
    <meta name="description" content="Custodial escrow for client/freelancer engagements">
    <link rel="icon" href="data:image/svg+xml,<svg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 100 100'><text y='.9em' font-size='90'>&#9737;</text></svg>">
    <link rel="preconnect" href="https://fonts.googleapis.com">
    <link rel="preconnect" href="https://fonts.gstatic.com" crossorigin>
    <link href="https://fonts.googleapis.com/css2?family=Inter:wght@400;500;600&family=JetBrains+Mono:wght@400;500&display=swap" rel="stylesheet">
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }

        :root {
            --bg: #09090b;
            --bg-subtle: #18181b;
            --border: #27272a;
            --text: #fafafa;
            --text-secondary: #a1a1aa;
            --text-tertiary: #52525b;
            --accent: #22c55e;
            --accent-dim: rgba(34, 197, 94, 0.1);
            --red: #ef4444;
            --red-dim: rgba(239, 68, 68, 0.1);
            --blue: #3b82f6;
            --blue-dim: rgba(59, 130, 246, 0.1);
            --amber: #f59e0b;
        }

        body {
            font-family: 'Inter', -apple-system, sans-serif;
            background: var(--bg);
            color: var(--text);
            min-height: 100vh;
            font-size: 14px;
            line-height: 1.5;
            -webkit-font-smoothing: antialiased;
        }

        .mono { font-family: 'JetBrains Mono', monospace; }

        /* Layout */
        .container {
            max-width: 1200px;
            margin: 0 auto;
            padding: 0 24px;
        }

        /* Header */
        header {
            border-bottom: 1px solid var(--border);
            padding: 16px 0;
            position: sticky;
            top: 0;
            background: var(--bg);
            z-index: 100;
        }

        .header-inner {
            display: flex;
            justify-content: space-between;
            align-items: center;
        }

        .logo {
            font-weight: 600;
            font-size: 16px;
            display: flex;
            align-items: center;
            gap: 8px;
        }

        .live-dot {
            width: 8px;
            height: 8px;
            border-radius: 50%;
            background: var(--text-tertiary);
        }

        .live-dot.connected {
            background: var(--accent);
            box-shadow: 0 0 8px var(--accent);
        }

        .header-links a {
            color: var(--text-secondary);
            text-decoration: none;
            font-size: 13px;
            margin-left: 20px;
        }

        .header-links a:hover { color: var(--text); }

        /* Stats row */
        .stats-row {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(160px, 1fr));
            gap: 16px;
            margin: 32px 0;
        }

        .stat-card {
            background: var(--bg-subtle);
            border: 1px solid var(--border);
            border-radius: 8px;
            padding: 16px 20px;
        }

        .stat-label {
            color: var(--text-tertiary);
            font-size: 11px;
            text-transform: uppercase;
            letter-spacing: 0.06em;
            margin-bottom: 6px;
        }

        .stat-value {
            font-size: 24px;
            font-weight: 600;
            font-variant-numeric: tabular-nums;
        }

        .stat-detail {
            color: var(--text-secondary);
            font-size: 12px;
            margin-top: 4px;
        }

        /* Two-column main */
        .main-grid {
            display: grid;
            grid-template-columns: 1fr 380px;
            gap: 24px;
            margin-bottom: 48px;
        }

        @media (max-width: 900px) {
            .main-grid { grid-template-columns: 1fr; }
        }

        .panel {
            background: var(--bg-subtle);
            border: 1px solid var(--border);
            border-radius: 8px;
            overflow: hidden;
        }

        .panel-header {
            padding: 14px 20px;
            border-bottom: 1px solid var(--border);
            font-weight: 500;
            font-size: 13px;
            display: flex;
            justify-content: space-between;
            align-items: center;
        }

        .panel-header .count {
            color: var(--text-tertiary);
            font-weight: 400;
        }

        /* Escrow table */
        table {
            width: 100%;
            border-collapse: collapse;
        }

        th {
            text-align: left;
            padding: 10px 20px;
            color: var(--text-tertiary);
            font-size: 11px;
            font-weight: 500;
            text-transform: uppercase;
            letter-spacing: 0.06em;
            border-bottom: 1px solid var(--border);
        }

        td {
            padding: 12px 20px;
            border-bottom: 1px solid var(--border);
            font-size: 13px;
        }

        tr:last-child td { border-bottom: none; }

        .badge {
            display: inline-block;
            padding: 2px 8px;
            border-radius: 9999px;
            font-size: 11px;
            font-weight: 500;
        }

        .badge.funded { background: var(--accent-dim); color: var(--accent); }
        .badge.disputed { background: var(--red-dim); color: var(--red); }
        .badge.resolved { background: var(--blue-dim); color: var(--blue); }
        .badge.refunded { background: var(--bg); color: var(--text-secondary); border: 1px solid var(--border); }

        .addr { color: var(--text-secondary); font-size: 12px; }

        /* Event feed */
        .feed {
            max-height: 560px;
            overflow-y: auto;
        }

        .feed-item {
            padding: 12px 20px;
            border-bottom: 1px solid var(--border);
            display: flex;
            gap: 12px;
            align-items: baseline;
        }

        .feed-item:last-child { border-bottom: none; }

        .feed-time {
            color: var(--text-tertiary);
            font-size: 11px;
            white-space: nowrap;
        }

        .feed-text { font-size: 13px; }

        .feed-text .event-type { color: var(--text-secondary); }
        .feed-text .amount { color: var(--accent); }

        .empty {
            padding: 40px 20px;
            text-align: center;
            color: var(--text-tertiary);
            font-size: 13px;
        }

        footer {
            border-top: 1px solid var(--border);
            padding: 24px 0;
            color: var(--text-tertiary);
            font-size: 12px;
        }

        footer a { color: var(--text-secondary); text-decoration: none; }
    </style>
</head>
<body>
    <header>
        <div class="container header-inner">
            <div class="logo">
                <span class="live-dot" id="live-dot"></span>
                <span>escrow</span>
            </div>
            <nav class="header-links">
                <a href="/v1/escrows">API</a>
                <a href="/metrics">Metrics</a>
                <a href="/healthz">Health</a>
            </nav>
        </div>
    </header>

    <main class="container">
        <div class="stats-row">
            <div class="stat-card">
                <div class="stat-label">Escrows</div>
                <div class="stat-value" id="stat-total">&mdash;</div>
                <div class="stat-detail" id="stat-by-status"></div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Volume</div>
                <div class="stat-value mono" id="stat-volume">&mdash;</div>
                <div class="stat-detail" id="stat-volume-asset"></div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Dispute rate</div>
                <div class="stat-value" id="stat-disputes">&mdash;</div>
                <div class="stat-detail">of all escrows</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Milestone deals</div>
                <div class="stat-value" id="stat-milestones">&mdash;</div>
                <div class="stat-detail">of all escrows</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Avg resolution</div>
                <div class="stat-value" id="stat-resolution">&mdash;</div>
                <div class="stat-detail">creation to payout</div>
            </div>
        </div>

        <div class="main-grid">
            <div class="panel">
                <div class="panel-header">
                    <span>Recent escrows</span>
                    <span class="count" id="escrow-count"></span>
                </div>
                <table>
                    <thead>
                        <tr>
                            <th>ID</th>
                            <th>Client &rarr; Freelancer</th>
                            <th>Amount</th>
                            <th>Status</th>
                            <th>Deadline</th>
                        </tr>
                    </thead>
                    <tbody id="escrow-rows">
                        <tr><td colspan="5" class="empty">Loading&hellip;</td></tr>
                    </tbody>
                </table>
            </div>

            <div class="panel">
                <div class="panel-header"><span>Live events</span></div>
                <div class="feed" id="feed">
                    <div class="empty" id="feed-empty">Waiting for activity&hellip;</div>
                </div>
            </div>
        </div>
    </main>

    <footer>
        <div class="container">
            Custodial escrow with milestones, disputes, and deadline claims.
            <a href="/v1/escrows/stats">stats</a> &middot; <a href="/ws">ws</a>
        </div>
    </footer>

    <script>
        const feedMax = 50;

        function shortAddr(a) {
            if (!a || a.length < 12) return a || '';
            return a.slice(0, 6) + '…' + a.slice(-4);
        }

        function fmtAmount(v) {
            const n = parseFloat(v);
            if (isNaN(n)) return v;
            if (n >= 1000) return n.toLocaleString(undefined, { maximumFractionDigits: 0 });
            return n.toLocaleString(undefined, { maximumFractionDigits: 4 });
        }

        function fmtDuration(secs) {
            if (!secs) return '—';
            if (secs < 3600) return Math.round(secs / 60) + 'm';
            if (secs < 86400) return (secs / 3600).toFixed(1) + 'h';
            return (secs / 86400).toFixed(1) + 'd';
        }

        function timeNow() {
            return new Date().toLocaleTimeString(undefined, { hour12: false });
        }

        async function safeFetch(url) {
            try {
                const res = await fetch(url);
                if (!res.ok) return null;
                return await res.json();
            } catch { return null; }
        }

        async function loadStats() {
            const res = await safeFetch('/v1/escrows/stats');
            if (!res || !res.stats) return;
            const s = res.stats;

            document.getElementById('stat-total').textContent = s.totalCount ?? 0;

            const by = s.byStatus || {};
            document.getElementById('stat-by-status').textContent =
                (by.funded || 0) + ' open · ' + (by.disputed || 0) + ' disputed';

            const vols = Object.entries(s.volumeByAsset || {});
            if (vols.length > 0) {
                vols.sort((a, b) => parseFloat(b[1]) - parseFloat(a[1]));
                document.getElementById('stat-volume').textContent = fmtAmount(vols[0][1]);
                document.getElementById('stat-volume-asset').textContent =
                    vols.map(([asset, v]) => asset + ' ' + fmtAmount(v)).join(' · ');
            }

            document.getElementById('stat-disputes').textContent =
                ((s.disputeRate || 0) * 100).toFixed(1) + '%';
            document.getElementById('stat-milestones').textContent =
                ((s.milestoneShare || 0) * 100).toFixed(0) + '%';
            document.getElementById('stat-resolution').textContent =
                fmtDuration(s.avgResolutionSecs);
        }

        async function loadEscrows() {
            const res = await safeFetch('/v1/escrows?limit=20');
            const rows = document.getElementById('escrow-rows');
            if (!res || !res.escrows || res.escrows.length === 0) {
                rows.innerHTML = '<tr><td colspan="5" class="empty">No escrows yet</td></tr>';
                return;
            }

            document.getElementById('escrow-count').textContent = res.count;
            rows.innerHTML = res.escrows.map(e => {
                const deadline = new Date(e.deadline).toLocaleDateString();
                const ms = e.milestones ? ' · ' + e.milestones.length + ' milestones' : '';
                return '<tr>' +
                    '<td class="mono">#' + e.id + '</td>' +
                    '<td class="addr mono">' + shortAddr(e.client) + ' → ' + shortAddr(e.freelancer) + '</td>' +
                    '<td class="mono">' + fmtAmount(e.totalAmount) + ' ' + e.asset + ms + '</td>' +
                    '<td><span class="badge ' + e.status + '">' + e.status + '</span></td>' +
                    '<td class="addr">' + deadline + '</td>' +
                    '</tr>';
            }).join('');
        }

        function describeEvent(ev) {
            const d = ev.data || {};
            const id = d.escrowId ? '#' + d.escrowId : '';
            const amt = d.amount ? '<span class="amount">' + fmtAmount(d.amount) + ' ' + (d.asset || '') + '</span>' : '';
            switch (ev.type) {
                case 'escrow.created': return 'Escrow ' + id + ' funded for ' + amt;
                case 'escrow.released': return 'Escrow ' + id + ' released ' + amt + ' to ' + shortAddr(d.freelancer);
                case 'escrow.refunded': return 'Escrow ' + id + ' refunded ' + amt;
                case 'milestone.completed': return 'Milestone ' + (d.milestone + 1) + ' of ' + id + ' submitted';
                case 'milestone.released': return 'Milestone ' + (d.milestone + 1) + ' of ' + id + ' paid ' + amt;
                case 'dispute.raised': return 'Dispute on ' + id + ' by ' + shortAddr(d.raisedBy);
                case 'dispute.resolved': return 'Dispute on ' + id + ' resolved for ' + shortAddr(d.winner);
                case 'deadline.extended': return 'Deadline of ' + id + ' extended';
                case 'escrow.claimed': return 'Escrow ' + id + ' claimed ' + amt;
                case 'escrow.claimable': return 'Escrow ' + id + ' is claimable';
                case 'escrow.paused': return d.paused ? 'Escrow operations paused' : 'Escrow operations resumed';
                default: return '<span class="event-type">' + ev.type + '</span> ' + id;
            }
        }

        function pushFeedItem(ev) {
            const feed = document.getElementById('feed');
            const empty = document.getElementById('feed-empty');
            if (empty) empty.remove();

            const item = document.createElement('div');
            item.className = 'feed-item';
            item.innerHTML = '<span class="feed-time mono">' + timeNow() + '</span>' +
                '<span class="feed-text">' + describeEvent(ev) + '</span>';
            feed.prepend(item);

            while (feed.children.length > feedMax) {
                feed.removeChild(feed.lastChild);
            }
        }

        function connect() {
            const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const ws = new WebSocket(proto + location.host + '/ws');
            const dot = document.getElementById('live-dot');

            ws.onopen = () => {
                dot.classList.add('connected');
                ws.send(JSON.stringify({ allEvents: true }));
            };
            ws.onmessage = (msg) => {
                try {
                    pushFeedItem(JSON.parse(msg.data));
                    loadStats();
                    loadEscrows();
                } catch { /* ignore malformed frames */ }
            };
            ws.onclose = () => {
                dot.classList.remove('connected');
                setTimeout(connect, 3000);
            };
        }

        loadStats();
        loadEscrows();
        connect();
        setInterval(() => { loadStats(); loadEscrows(); }, 15000);
    </script>
</body>
</html>`

// dashboardHandler serves the operations dashboard.
func dashboardHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, dashboardHTML)
}
