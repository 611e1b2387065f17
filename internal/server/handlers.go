package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// handleWebSocket upgrades the request, attaches a Client to the hub and
// starts its pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if !s.trackClient() {
		rejectUpgraded(conn)
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr, s.cfg, s.logger)
	if err := s.hub.Attach(client); err != nil {
		s.logger.Warn("rejecting connection", "remote", r.RemoteAddr, "error", err)
		s.clients.Add(-2)
		rejectUpgraded(conn)
		return
	}

	go func() {
		defer s.clients.Done()
		client.writePump()
	}()
	go func() {
		defer s.clients.Done()
		client.readPump()
	}()
}

// rejectUpgraded closes a connection the server will not serve.
func rejectUpgraded(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// handleHealth reports hub counters and database reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Database: "ok"}
	status := http.StatusOK

	stats, err := s.hub.Stats(ctx)
	if err != nil {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	resp.Rooms, resp.Clients, resp.Joined = stats.Rooms, stats.Connections, stats.Joined

	if err := s.history.Ping(ctx); err != nil {
		s.logger.Warn("database ping failed", "error", err)
		resp.Database = "unavailable"
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

// handleTestPage serves an HTML page that drives the event protocol.
func (s *Server) handleTestPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(testPageHTML)); err != nil {
		s.logger.Debug("error writing HTML response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: err.Error()})
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Cohort Chat Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] {
            width: 160px;
            padding: 5px;
            margin-right: 10px;
        }
        #messageInput { width: 300px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status {
            margin: 10px 0;
            padding: 5px;
            border-radius: 3px;
        }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
        #typing { color: #888; height: 1.2em; }
    </style>
</head>
<body>
    <h1>Cohort Chat Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="roomInput" placeholder="Schedule id">
        <input type="text" id="userIdInput" placeholder="User id">
        <input type="text" id="userNameInput" placeholder="Display name">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
        <button id="leaveButton" onclick="leaveRoom()" disabled>Leave</button>
    </div>

    <div id="messages"></div>
    <div id="typing"></div>

    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <script>
        let ws = null;
        let typingTimer = null;
        const messagesDiv = document.getElementById('messages');
        const typingDiv = document.getElementById('typing');
        const roomInput = document.getElementById('roomInput');
        const userIdInput = document.getElementById('userIdInput');
        const userNameInput = document.getElementById('userNameInput');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const leaveButton = document.getElementById('leaveButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function emit(event, data) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ event: event, data: data }));
            }
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            leaveButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function handleEvent(frame) {
            const data = frame.data || {};
            switch (frame.event) {
            case 'users-online':
                addLine('Online: ' + data.map(u => u.userName || u.userId).join(', '));
                break;
            case 'user-joined':
                addLine((data.userName || data.userId) + ' joined');
                break;
            case 'user-left':
                addLine((data.userName || data.userId) + ' left');
                break;
            case 'new-message':
                addLine('[' + data.createdAt + '] ' + (data.user.name || data.user.id) + ': ' + data.message, 'green');
                break;
            case 'user-typing':
                typingDiv.textContent = (data.userName || data.userId) + ' is typing...';
                break;
            case 'user-stop-typing':
                typingDiv.textContent = '';
                break;
            case 'error':
                addLine('Error: ' + data.message, 'red');
                break;
            }
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');

            ws.onopen = function() {
                updateStatus(true);
                emit('join-room', {
                    scheduleId: roomInput.value.trim(),
                    userId: userIdInput.value.trim(),
                    userName: userNameInput.value.trim()
                });
            };

            ws.onmessage = function(event) {
                event.data.split('\n').forEach(function(line) {
                    if (line) {
                        handleEvent(JSON.parse(line));
                    }
                });
            };

            ws.onclose = function() {
                addLine('Connection closed');
                updateStatus(false);
                ws = null;
            };

            ws.onerror = function() {
                addLine('Connection error', 'red');
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function leaveRoom() {
            emit('leave-room', { scheduleId: roomInput.value.trim() });
        }

        function sendMessage() {
            const message = messageInput.value.trim();
            if (message) {
                emit('send-message', {
                    scheduleId: roomInput.value.trim(),
                    userId: userIdInput.value.trim(),
                    message: message
                });
                emit('stop-typing', { scheduleId: roomInput.value.trim() });
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('input', function() {
            if (!typingTimer) {
                emit('typing', { scheduleId: roomInput.value.trim(), userName: userNameInput.value.trim() });
            }
            clearTimeout(typingTimer);
            typingTimer = setTimeout(function() {
                typingTimer = null;
                emit('stop-typing', { scheduleId: roomInput.value.trim() });
            }, 1500);
        });

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
