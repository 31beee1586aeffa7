package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/C-Metcalf/PIDTester/internal/logger"
	"github.com/C-Metcalf/PIDTester/internal/telemetry"
)

// batch — новые сэмплы одной трассы
type batch struct {
	Trace   string             `json:"trace"`
	Samples []telemetry.Sample `json:"samples"`
}

// event — ответ на команду или уведомление о сессии
type event struct {
	Event  string `json:"event"`
	Action string `json:"action,omitempty"`
	Error  string `json:"error,omitempty"`
}

// clientMessage — команда от клиента: {"action":"start"} или
// {"action":"apply","kp":"0.1","ki":"0","kd":"0","setpoint":"10"}
type clientMessage struct {
	Action string `json:"action"`
	parametersRequest
}

// wsClient — одно подключение; отправка только через sendCh (writePump)
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Info("api: websocket upgrade: %v", err)
		return
	}
	c := &wsClient{
		id:     s.nextID.Inc(),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()
	logger.Debug("api: websocket клиент %d подключён", c.id)

	go c.writePump()
	go c.feed(s.redraw)
	c.readPump()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	delete(s.clients, c.id)
	s.clientsMu.Unlock()
	logger.Debug("api: websocket клиент %d отключён", c.id)
}

// Send ставит сообщение в очередь; при переполнении сообщение теряется
func (c *wsClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		logger.Debug("api: клиент %d не успевает, сообщение отброшено", c.id)
	}
}

// Close закрывает подключение
func (c *wsClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("api: websocket чтение: %v", err)
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *wsClient) writePump() {
	ping := time.NewTicker(30 * time.Second)
	defer func() {
		ping.Stop()
		c.Close()
	}()
	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				logger.Debug("api: websocket запись: %v", err)
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// feed раз в период отправляет новые сэмплы обеих трасс и один раз — фатальную ошибку сессии
func (c *wsClient) feed(period time.Duration) {
	ctl := c.server.ctl
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	var lastPV, lastSP uint64
	sessionDone := ctl.Done()
	for {
		select {
		case <-c.done:
			return
		case <-sessionDone:
			sessionDone = nil
			if err := ctl.Err(); err != nil {
				c.Send(event{Event: "fatal", Error: err.Error()})
			}
		case <-ticker.C:
			if smp := ctl.PV().Since(lastPV); len(smp) > 0 {
				lastPV = smp[len(smp)-1].Seq
				c.Send(batch{Trace: "pv", Samples: smp})
			}
			if smp := ctl.SP().Since(lastSP); len(smp) > 0 {
				lastSP = smp[len(smp)-1].Seq
				c.Send(batch{Trace: "sp", Samples: smp})
			}
		}
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.Send(event{Event: "error", Error: "parse error"})
		return
	}
	ctl := c.server.ctl
	var err error
	switch msg.Action {
	case "start":
		err = ctl.Start()
	case "pause":
		err = ctl.Pause()
	case "stop":
		err = ctl.Stop()
	case "clear":
		ctl.ClearGraph()
	case "apply":
		err = ctl.Apply(fieldText(msg.Kp), fieldText(msg.Ki), fieldText(msg.Kd), fieldText(msg.Setpoint))
	default:
		c.Send(event{Event: "error", Action: msg.Action, Error: "unknown action"})
		return
	}
	if err != nil {
		c.Send(event{Event: "error", Action: msg.Action, Error: err.Error()})
		return
	}
	c.Send(event{Event: "ack", Action: msg.Action})
}
